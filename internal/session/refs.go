package session

import "github.com/dillproject/dill/internal/trees"

// RefStore keeps the client's view of each session's refs. A session with
// no entry uses the defaults declared by its tree.
type RefStore struct {
	refs map[trees.SessionID][]trees.RefEntry
}

func NewRefStore() *RefStore {
	return &RefStore{refs: map[trees.SessionID][]trees.RefEntry{}}
}

// Get returns the stored refs, or an empty list when none were recorded.
func (s *RefStore) Get(id trees.SessionID) []trees.RefEntry {
	return copyRefs(s.refs[id])
}

// Has reports whether refs were ever recorded for id.
func (s *RefStore) Has(id trees.SessionID) bool {
	_, ok := s.refs[id]
	return ok
}

func (s *RefStore) Update(id trees.SessionID, refs []trees.RefEntry) {
	s.refs[id] = copyRefs(refs)
}

// Reset overwrites the stored refs with the tree's own defaults.
func (s *RefStore) Reset(id trees.SessionID, defaults []trees.RefEntry) {
	s.refs[id] = copyRefs(defaults)
}

func (s *RefStore) Drop(id trees.SessionID) {
	delete(s.refs, id)
}

func (s *RefStore) Clear() {
	s.refs = map[trees.SessionID][]trees.RefEntry{}
}

func copyRefs(in []trees.RefEntry) []trees.RefEntry {
	out := make([]trees.RefEntry, len(in))
	copy(out, in)
	return out
}

package session

import (
	"github.com/samber/lo"

	"github.com/dillproject/dill/internal/trees"
)

// Registry allocates session ids and tracks which tab names own which
// sessions. It is not safe for concurrent use; Manager serialises access.
type Registry struct {
	next     trees.SessionID
	tabs     []string
	sessions map[string]trees.SessionID
	live     map[trees.SessionID]struct{}
}

func NewRegistry(initial trees.SessionID) *Registry {
	if initial < 0 {
		initial = 0
	}
	return &Registry{
		next:     initial,
		sessions: map[string]trees.SessionID{},
		live:     map[trees.SessionID]struct{}{},
	}
}

// NextSessionID returns the current counter value and advances it. Ids are
// never handed out twice, even after the owning session is removed.
func (r *Registry) NextSessionID() trees.SessionID {
	id := r.next
	r.next++
	return id
}

// Observe moves the counter past an id supplied from outside the allocator
// (a debuggee that outlived a coordinator restart, for instance) so it can
// never be allocated again.
func (r *Registry) Observe(id trees.SessionID) {
	if id >= r.next {
		r.next = id + 1
	}
}

func (r *Registry) AddSessionID(name string, id trees.SessionID) {
	r.sessions[name] = id
}

// RmvSessionID forgets the session owned by name and returns its id.
func (r *Registry) RmvSessionID(name string) (trees.SessionID, bool) {
	id, ok := r.sessions[name]
	if ok {
		delete(r.sessions, name)
	}
	return id, ok
}

func (r *Registry) SessionIDExists(id trees.SessionID) bool {
	_, ok := r.TabForSession(id)
	return ok
}

func (r *Registry) SessionIDs() map[string]trees.SessionID {
	return lo.Assign(r.sessions)
}

// TabForSession returns the tab name mapped to id.
func (r *Registry) TabForSession(id trees.SessionID) (string, bool) {
	return lo.FindKeyBy(r.sessions, func(_ string, v trees.SessionID) bool {
		return v == id
	})
}

// AddTab appends name to the ordered tab list unless it is already present.
func (r *Registry) AddTab(name string) []string {
	if !lo.Contains(r.tabs, name) {
		r.tabs = append(r.tabs, name)
	}
	return r.Tabs()
}

func (r *Registry) TabName(index int) (string, error) {
	if index < 0 || index >= len(r.tabs) {
		return "", ErrTabNotFound
	}
	return r.tabs[index], nil
}

// RemoveTab drops the tab at index and returns its name.
func (r *Registry) RemoveTab(index int) (string, error) {
	name, err := r.TabName(index)
	if err != nil {
		return "", err
	}
	r.tabs = append(r.tabs[:index:index], r.tabs[index+1:]...)
	return name, nil
}

func (r *Registry) Tabs() []string {
	out := make([]string, len(r.tabs))
	copy(out, r.tabs)
	return out
}

// MarkLive records that a tree for id has been posted in this process.
func (r *Registry) MarkLive(id trees.SessionID) {
	r.live[id] = struct{}{}
}

func (r *Registry) IsLive(id trees.SessionID) bool {
	_, ok := r.live[id]
	return ok
}

// Reset forgets every tab and name mapping. The counter and the set of live
// sessions survive so ids stay unique for the lifetime of the process.
func (r *Registry) Reset() {
	r.tabs = nil
	r.sessions = map[string]trees.SessionID{}
}

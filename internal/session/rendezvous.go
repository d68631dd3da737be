package session

import (
	"github.com/samber/lo"

	"github.com/dillproject/dill/internal/trees"
)

// Rendezvous holds at most one pending one-shot hand-off per session. Each
// entry is removed on fulfilment, so memory stays bounded by the number of
// debuggees currently parked at a breakpoint. Not safe for concurrent use.
type Rendezvous struct {
	pending map[trees.SessionID]chan BreakpointCode
}

func NewRendezvous() *Rendezvous {
	return &Rendezvous{pending: map[trees.SessionID]chan BreakpointCode{}}
}

// Register arms a hand-off for id and returns its receiving half.
func (r *Rendezvous) Register(id trees.SessionID) (<-chan BreakpointCode, error) {
	if _, ok := r.pending[id]; ok {
		return nil, ErrDuplicateRendezvous
	}
	ch := make(chan BreakpointCode, 1)
	r.pending[id] = ch
	return ch, nil
}

// Fulfill removes the pending hand-off for id and delivers code to it. The
// channel is buffered, so delivery never blocks even if the receiver has
// already gone away.
func (r *Rendezvous) Fulfill(id trees.SessionID, code BreakpointCode) error {
	ch, ok := r.pending[id]
	if !ok {
		return ErrNoRendezvous
	}
	delete(r.pending, id)
	ch <- code
	return nil
}

// Abandon drops the hand-off for id if it is still the one identified by ch.
// It reports whether an entry was removed.
func (r *Rendezvous) Abandon(id trees.SessionID, ch <-chan BreakpointCode) bool {
	cur, ok := r.pending[id]
	if !ok || (<-chan BreakpointCode)(cur) != ch {
		return false
	}
	delete(r.pending, id)
	return true
}

func (r *Rendezvous) Pending(id trees.SessionID) bool {
	_, ok := r.pending[id]
	return ok
}

func (r *Rendezvous) Sessions() []trees.SessionID {
	return lo.Keys(r.pending)
}

// CloseAll wakes every waiter with a closed channel.
func (r *Rendezvous) CloseAll() {
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
}

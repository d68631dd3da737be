package session

import (
	"errors"
	"fmt"
)

var (
	// ErrLockFailed is returned once the manager has been closed and its
	// shared state is no longer available.
	ErrLockFailed   = errors.New("session state unavailable")
	ErrTreeNotFound = errors.New("tree not found")
	ErrNodeNotFound = errors.New("node not found")
	ErrChannel      = errors.New("breakpoint channel error")
	ErrTabNotFound  = errors.New("tab not found")

	ErrDuplicateRendezvous = fmt.Errorf("%w: session already has a pending breakpoint", ErrChannel)
	ErrNoRendezvous        = fmt.Errorf("%w: no pending breakpoint for session", ErrChannel)
)

// NodeNotFoundError reports a lookup of a node id absent from the current
// tree.
type NodeNotFoundError struct {
	ID uint32
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("node %d not found", e.ID)
}

func (e *NodeNotFoundError) Is(target error) bool {
	return target == ErrNodeNotFound
}

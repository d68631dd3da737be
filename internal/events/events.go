// Package events carries notifications from the coordinator to the client.
package events

import (
	"errors"

	"github.com/dillproject/dill/internal/trees"
)

type Kind string

const (
	KindTreeReady  Kind = "tree-ready"
	KindNewTree    Kind = "new-tree"
	KindSourceFile Kind = "upload-code-file"
)

var ErrEmitFailed = errors.New("event emit failed")

// Event is a named notification with a JSON-encodable payload.
type Event struct {
	Kind    Kind
	Payload any
}

// TreeReady announces that the current tree changed and is ready to load.
func TreeReady(tree trees.DebugTree) Event {
	return Event{Kind: KindTreeReady, Payload: tree}
}

// NewTree announces a tree for a session the client has not seen before.
func NewTree() Event {
	return Event{Kind: KindNewTree}
}

// SourceFile delivers the contents of a requested source file.
func SourceFile(contents string) Event {
	return Event{Kind: KindSourceFile, Payload: contents}
}

// Emitter delivers events. A failed delivery never undoes the state change
// that produced the event.
type Emitter interface {
	Emit(Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(Event) error { return nil }

// Package trees holds the debug tree model shared by the coordinator, the
// command layer and the saved-tree store, plus the wire and persisted
// encodings of that model.
package trees

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SessionID identifies one debugging run. UnsetSessionID means the debuggee
// has not been assigned one yet.
type SessionID int32

const (
	UnsetSessionID     SessionID = -1
	DefaultSessionName           = "tree"
)

var (
	ErrSerialiseFailed   = errors.New("serialise failed")
	ErrDeserialiseFailed = errors.New("deserialise failed")
)

// ParserRange is a (start, end) pair of parser indexes within a source file.
type ParserRange [2]int32

// RefEntry is a single reference value attached to a session. It is encoded
// as a two element JSON array, [id, value], matching the debuggee protocol.
type RefEntry struct {
	ID    int32
	Value string
}

func (r RefEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{r.ID, r.Value})
}

func (r *RefEntry) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode ref entry: %w", err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("decode ref entry: expected 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &r.ID); err != nil {
		return fmt.Errorf("decode ref id: %w", err)
	}
	if err := json.Unmarshal(raw[1], &r.Value); err != nil {
		return fmt.Errorf("decode ref value: %w", err)
	}
	return nil
}

// DebugNode is one parser invocation in the execution tree. Children are
// never serialised for the client; it expands nodes lazily by id.
type DebugNode struct {
	NodeID         uint32      `json:"nodeId"`
	Name           string      `json:"name"`
	Internal       string      `json:"internal"`
	Success        bool        `json:"success"`
	ChildID        *uint32     `json:"childId,omitempty"`
	InputStart     int32       `json:"inputStart"`
	InputEnd       int32       `json:"inputEnd"`
	IsLeaf         bool        `json:"isLeaf"`
	IsIterative    bool        `json:"isIterative"`
	NewlyGenerated bool        `json:"newlyGenerated"`
	Children       []DebugNode `json:"-"`
}

// DebugTree is a full snapshot posted by a debuggee or loaded from disk.
// A stored tree is never mutated in place; updates replace it wholesale.
type DebugTree struct {
	Input        string                   `json:"input"`
	Root         DebugNode                `json:"root"`
	ParserInfo   map[string][]ParserRange `json:"parserInfo"`
	IsDebuggable bool                     `json:"isDebuggable"`
	Refs         []RefEntry               `json:"refs"`
	SessionID    SessionID                `json:"sessionId"`
	SessionName  string                   `json:"sessionName"`
}

// HasSession reports whether a session id has been assigned.
func (t DebugTree) HasSession() bool {
	return t.SessionID != UnsetSessionID
}

// DefaultRefs returns a copy of the refs declared by the tree itself.
func (t DebugTree) DefaultRefs() []RefEntry {
	out := make([]RefEntry, len(t.Refs))
	copy(out, t.Refs)
	return out
}

// Clone returns a deep copy of the tree.
func (t DebugTree) Clone() DebugTree {
	out := t
	out.Root = t.Root.Clone()
	out.Refs = t.DefaultRefs()
	out.ParserInfo = make(map[string][]ParserRange, len(t.ParserInfo))
	for file, ranges := range t.ParserInfo {
		cp := make([]ParserRange, len(ranges))
		copy(cp, ranges)
		out.ParserInfo[file] = cp
	}
	return out
}

// Walk visits every node reachable from the root in pre-order. It uses an
// explicit stack so deep trees cannot exhaust the goroutine stack. Returning
// false from fn stops the walk.
func (t *DebugTree) Walk(fn func(*DebugNode) bool) {
	stack := []*DebugNode{&t.Root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(n) {
			return
		}
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, &n.Children[i])
		}
	}
}

// Renumber reassigns node ids with a pre-order counter starting at zero.
func (t *DebugTree) Renumber() {
	var next uint32
	t.Walk(func(n *DebugNode) bool {
		n.NodeID = next
		next++
		return true
	})
}

// Clone returns a deep copy of the node and its subtree.
func (n DebugNode) Clone() DebugNode {
	type frame struct {
		src *DebugNode
		dst *DebugNode
	}
	src := n
	out := n
	stack := []frame{{&src, &out}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.src.ChildID != nil {
			v := *f.src.ChildID
			f.dst.ChildID = &v
		}
		if len(f.src.Children) == 0 {
			f.dst.Children = nil
			continue
		}
		f.dst.Children = make([]DebugNode, len(f.src.Children))
		copy(f.dst.Children, f.src.Children)
		for i := range f.src.Children {
			stack = append(stack, frame{&f.src.Children[i], &f.dst.Children[i]})
		}
	}
	return out
}

package trees

import (
	"encoding/json"
	"fmt"
)

// ParsleyNode is a node as posted by the debuggee's remote view.
type ParsleyNode struct {
	Name           string        `json:"name"`
	Internal       string        `json:"internal"`
	Success        bool          `json:"success"`
	ChildID        int64         `json:"childId"`
	FromOffset     int32         `json:"fromOffset"`
	ToOffset       int32         `json:"toOffset"`
	Children       []ParsleyNode `json:"children"`
	IsIterative    bool          `json:"isIterative"`
	NewlyGenerated bool          `json:"newlyGenerated"`
}

// ParsleyTree is the body of POST /api/remote/tree.
type ParsleyTree struct {
	Input        *string                  `json:"input"`
	Root         *ParsleyNode             `json:"root"`
	ParserInfo   map[string][]ParserRange `json:"parserInfo"`
	IsDebuggable bool                     `json:"isDebuggable"`
	Refs         []RefEntry               `json:"refs"`
	SessionID    SessionID                `json:"sessionId"`
	SessionName  *string                  `json:"sessionName"`
}

// DecodeParsleyTree parses a posted tree, applying protocol defaults for
// omitted optional fields.
func DecodeParsleyTree(data []byte) (ParsleyTree, error) {
	tree := ParsleyTree{SessionID: UnsetSessionID}
	if err := json.Unmarshal(data, &tree); err != nil {
		return ParsleyTree{}, fmt.Errorf("%w: %v", ErrDeserialiseFailed, err)
	}
	if tree.Input == nil {
		return ParsleyTree{}, fmt.Errorf("%w: missing field input", ErrDeserialiseFailed)
	}
	if tree.Root == nil {
		return ParsleyTree{}, fmt.Errorf("%w: missing field root", ErrDeserialiseFailed)
	}
	if tree.SessionID < UnsetSessionID {
		return ParsleyTree{}, fmt.Errorf("%w: invalid sessionId %d", ErrDeserialiseFailed, tree.SessionID)
	}
	return tree, nil
}

// DebugTree converts the posted tree, assigning node ids with a pre-order
// counter starting at zero.
func (p ParsleyTree) DebugTree() DebugTree {
	input := ""
	if p.Input != nil {
		input = *p.Input
	}
	name := DefaultSessionName
	if p.SessionName != nil {
		name = *p.SessionName
	}
	tree := DebugTree{
		Input:        input,
		ParserInfo:   p.ParserInfo,
		IsDebuggable: p.IsDebuggable,
		Refs:         p.Refs,
		SessionID:    p.SessionID,
		SessionName:  name,
	}
	if tree.ParserInfo == nil {
		tree.ParserInfo = map[string][]ParserRange{}
	}
	if tree.Refs == nil {
		tree.Refs = []RefEntry{}
	}
	if p.Root != nil {
		tree.Root = convertParsleyRoot(p.Root, len(input))
	}
	return tree
}

func convertParsleyRoot(root *ParsleyNode, inputLen int) DebugNode {
	type frame struct {
		src *ParsleyNode
		dst *DebugNode
	}
	var out DebugNode
	var next uint32
	stack := []frame{{root, &out}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		f.dst.NodeID = next
		next++
		f.dst.Name = f.src.Name
		f.dst.Internal = f.src.Internal
		f.dst.Success = f.src.Success
		f.dst.IsIterative = f.src.IsIterative
		f.dst.NewlyGenerated = f.src.NewlyGenerated
		if f.src.ChildID >= 0 && f.src.ChildID <= int64(^uint32(0)) {
			v := uint32(f.src.ChildID)
			f.dst.ChildID = &v
		}
		f.dst.InputStart, f.dst.InputEnd = consumedRange(f.src.FromOffset, f.src.ToOffset, inputLen)

		n := len(f.src.Children)
		f.dst.IsLeaf = n == 0
		if n == 0 {
			continue
		}
		f.dst.Children = make([]DebugNode, n)
		for i := n - 1; i >= 0; i-- {
			stack = append(stack, frame{&f.src.Children[i], &f.dst.Children[i]})
		}
	}
	return out
}

// consumedRange normalises the offsets of a parse attempt. The debuggee sends
// -1 for attempts that consumed nothing; those and any out-of-bounds pair
// collapse to an empty range.
func consumedRange(from, to int32, inputLen int) (int32, int32) {
	if from < 0 || to < from || int(to) > inputLen {
		return 0, 0
	}
	return from, to
}

package trees

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// SchemaVersion is written into every saved document.
const SchemaVersion = 1

const legacySessionName = "run"

// SavedNode is the persisted form of a DebugNode. Unlike the client form it
// carries its children; isLeaf is derived on load and not persisted.
type SavedNode struct {
	NodeID         uint32      `json:"nodeId"`
	Name           string      `json:"name"`
	Internal       string      `json:"internal"`
	Success        bool        `json:"success"`
	ChildID        *uint32     `json:"childId,omitempty"`
	InputStart     int32       `json:"inputStart"`
	InputEnd       int32       `json:"inputEnd"`
	IsIterative    bool        `json:"isIterative"`
	NewlyGenerated bool        `json:"newlyGenerated"`
	Children       []SavedNode `json:"children"`
}

// SavedTree is the canonical on-disk document for a saved tree.
type SavedTree struct {
	SchemaVersion int                      `json:"schemaVersion,omitempty"`
	Input         string                   `json:"input"`
	Root          SavedNode                `json:"root"`
	ParserInfo    map[string][]ParserRange `json:"parserInfo"`
	IsDebuggable  bool                     `json:"isDebuggable"`
	Refs          []RefEntry               `json:"refs"`
	SessionID     SessionID                `json:"sessionId"`
	SessionName   string                   `json:"sessionName"`
}

// NewSavedTree converts a tree into its persisted form.
func NewSavedTree(t DebugTree) SavedTree {
	saved := SavedTree{
		SchemaVersion: SchemaVersion,
		Input:         t.Input,
		ParserInfo:    t.ParserInfo,
		IsDebuggable:  t.IsDebuggable,
		Refs:          t.DefaultRefs(),
		SessionID:     t.SessionID,
		SessionName:   t.SessionName,
	}
	if saved.ParserInfo == nil {
		saved.ParserInfo = map[string][]ParserRange{}
	}

	type frame struct {
		src *DebugNode
		dst *SavedNode
	}
	stack := []frame{{&t.Root, &saved.Root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		*f.dst = SavedNode{
			NodeID:         f.src.NodeID,
			Name:           f.src.Name,
			Internal:       f.src.Internal,
			Success:        f.src.Success,
			ChildID:        copyChildID(f.src.ChildID),
			InputStart:     f.src.InputStart,
			InputEnd:       f.src.InputEnd,
			IsIterative:    f.src.IsIterative,
			NewlyGenerated: f.src.NewlyGenerated,
			Children:       make([]SavedNode, len(f.src.Children)),
		}
		for i := range f.src.Children {
			stack = append(stack, frame{&f.src.Children[i], &f.dst.Children[i]})
		}
	}
	return saved
}

// DebugTree converts the persisted form back into a tree.
func (s SavedTree) DebugTree() DebugTree {
	t := DebugTree{
		Input:        s.Input,
		ParserInfo:   s.ParserInfo,
		IsDebuggable: s.IsDebuggable,
		Refs:         s.Refs,
		SessionID:    s.SessionID,
		SessionName:  s.SessionName,
	}
	if t.ParserInfo == nil {
		t.ParserInfo = map[string][]ParserRange{}
	}
	if t.Refs == nil {
		t.Refs = []RefEntry{}
	}
	if t.SessionName == "" {
		t.SessionName = DefaultSessionName
	}

	type frame struct {
		src *SavedNode
		dst *DebugNode
	}
	stack := []frame{{&s.Root, &t.Root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		*f.dst = DebugNode{
			NodeID:         f.src.NodeID,
			Name:           f.src.Name,
			Internal:       f.src.Internal,
			Success:        f.src.Success,
			ChildID:        copyChildID(f.src.ChildID),
			InputStart:     f.src.InputStart,
			InputEnd:       f.src.InputEnd,
			IsLeaf:         len(f.src.Children) == 0,
			IsIterative:    f.src.IsIterative,
			NewlyGenerated: f.src.NewlyGenerated,
		}
		if len(f.src.Children) == 0 {
			continue
		}
		f.dst.Children = make([]DebugNode, len(f.src.Children))
		for i := range f.src.Children {
			stack = append(stack, frame{&f.src.Children[i], &f.dst.Children[i]})
		}
	}
	return t
}

// MarshalSaved encodes a tree as a canonical saved document.
func MarshalSaved(t DebugTree) ([]byte, error) {
	data, err := json.MarshalIndent(NewSavedTree(t), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialiseFailed, err)
	}
	return data, nil
}

// ParseSaved decodes a saved document. Documents written by older releases
// (snake_case keys, per-node input slices) are accepted and converted; the
// returned bytes are always the canonical encoding of the document.
func ParseSaved(data []byte) (DebugTree, []byte, error) {
	if !gjson.ValidBytes(data) {
		return DebugTree{}, nil, fmt.Errorf("%w: document is not valid JSON", ErrDeserialiseFailed)
	}
	if isLegacyDocument(data) {
		tree, err := parseLegacy(data)
		if err != nil {
			return DebugTree{}, nil, err
		}
		canonical, err := MarshalSaved(tree)
		if err != nil {
			return DebugTree{}, nil, err
		}
		return tree, canonical, nil
	}
	if err := ValidateSaved(data); err != nil {
		return DebugTree{}, nil, err
	}
	var saved SavedTree
	if err := json.Unmarshal(data, &saved); err != nil {
		return DebugTree{}, nil, fmt.Errorf("%w: %v", ErrDeserialiseFailed, err)
	}
	return saved.DebugTree(), data, nil
}

// StampImport marks a canonical document as an imported, non-debuggable
// tree owned by the given session. Other content is left byte for byte.
func StampImport(data []byte, id SessionID) ([]byte, error) {
	out, err := sjson.SetBytes(data, "isDebuggable", false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialiseFailed, err)
	}
	out, err = sjson.SetBytes(out, "sessionId", int(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialiseFailed, err)
	}
	return out, nil
}

func isLegacyDocument(data []byte) bool {
	return gjson.GetBytes(data, "root.node_id").Exists() || gjson.GetBytes(data, "session_id").Exists()
}

type legacyNode struct {
	NodeID         uint32       `json:"node_id"`
	Name           string       `json:"name"`
	Internal       string       `json:"internal"`
	Success        bool         `json:"success"`
	ChildID        *uint32      `json:"child_id"`
	Input          string       `json:"input"`
	Children       []legacyNode `json:"children"`
	IsIterative    bool         `json:"is_iterative"`
	NewlyGenerated bool         `json:"newly_generated"`
}

type legacyTree struct {
	Input        string                   `json:"input"`
	Root         legacyNode               `json:"root"`
	ParserInfo   map[string][]ParserRange `json:"parser_info"`
	IsDebuggable bool                     `json:"is_debuggable"`
	Refs         []RefEntry               `json:"refs"`
	SessionID    *SessionID               `json:"session_id"`
	SessionName  *string                  `json:"session_name"`
}

// parseLegacy converts the snake_case format. Those documents stored the
// consumed input text rather than offsets, so ranges are recovered by
// locating the text in the tree input; text that cannot be found yields an
// empty range.
func parseLegacy(data []byte) (DebugTree, error) {
	var lt legacyTree
	if err := json.Unmarshal(data, &lt); err != nil {
		return DebugTree{}, fmt.Errorf("%w: legacy document: %v", ErrDeserialiseFailed, err)
	}
	saved := SavedTree{
		SchemaVersion: SchemaVersion,
		Input:         lt.Input,
		ParserInfo:    lt.ParserInfo,
		IsDebuggable:  lt.IsDebuggable,
		Refs:          lt.Refs,
		SessionID:     UnsetSessionID,
		SessionName:   legacySessionName,
	}
	if lt.SessionID != nil {
		saved.SessionID = *lt.SessionID
	}
	if lt.SessionName != nil {
		saved.SessionName = *lt.SessionName
	}

	type frame struct {
		src *legacyNode
		dst *SavedNode
	}
	stack := []frame{{&lt.Root, &saved.Root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		start, end := locateInput(lt.Input, f.src.Input)
		*f.dst = SavedNode{
			NodeID:         f.src.NodeID,
			Name:           f.src.Name,
			Internal:       f.src.Internal,
			Success:        f.src.Success,
			ChildID:        copyChildID(f.src.ChildID),
			InputStart:     start,
			InputEnd:       end,
			IsIterative:    f.src.IsIterative,
			NewlyGenerated: f.src.NewlyGenerated,
			Children:       make([]SavedNode, len(f.src.Children)),
		}
		for i := range f.src.Children {
			stack = append(stack, frame{&f.src.Children[i], &f.dst.Children[i]})
		}
	}
	return saved.DebugTree(), nil
}

func locateInput(input, consumed string) (int32, int32) {
	if consumed == "" {
		return 0, 0
	}
	idx := strings.Index(input, consumed)
	if idx < 0 {
		return 0, 0
	}
	return int32(idx), int32(idx + len(consumed))
}

func copyChildID(id *uint32) *uint32 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

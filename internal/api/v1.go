package api

import (
	"encoding/json"
	"time"

	"github.com/dillproject/dill/internal/trees"
)

const SchemaVersion = "v1"

const (
	ErrRefInvalid        = "E_REF_INVALID"
	ErrRefNotFound       = "E_REF_NOT_FOUND"
	ErrTreeNotFound      = "E_TREE_NOT_FOUND"
	ErrNodeNotFound      = "E_NODE_NOT_FOUND"
	ErrTabNotFound       = "E_TAB_NOT_FOUND"
	ErrChannel           = "E_CHANNEL"
	ErrDeserialiseFailed = "E_DESERIALISE_FAILED"
	ErrSerialiseFailed   = "E_SERIALISE_FAILED"
	ErrUnsupportedMedia  = "E_UNSUPPORTED_MEDIA_TYPE"
	ErrSourceNotFound    = "E_SOURCE_NOT_FOUND"
	ErrLockFailed        = "E_LOCK_FAILED"
	ErrEventEmitFailed   = "E_EVENT_EMIT_FAILED"
	ErrPayloadTooLarge   = "E_PAYLOAD_TOO_LARGE"
	ErrInternal          = "E_INTERNAL"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

// Debuggee-facing bodies keep the camelCase field names of the remote view
// protocol.

// PostTreeResponse answers POST /api/remote/tree. For debuggable trees it is
// written only once the client has decided how the debuggee continues.
type PostTreeResponse struct {
	Message          string           `json:"message"`
	SessionID        trees.SessionID  `json:"sessionId"`
	BreakpointAction string           `json:"breakpointAction,omitempty"`
	SkipBreakpoint   *int32           `json:"skipBreakpoint,omitempty"`
	NewRefs          []trees.RefEntry `json:"newRefs,omitempty"`
}

type NewSessionResponse struct {
	SessionID trees.SessionID `json:"sessionId"`
}

// Client-facing bodies.

type TreeResponse struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Tree          trees.DebugTree `json:"tree"`
}

type ChildrenResponse struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	NodeID        uint32            `json:"node_id"`
	Children      []trees.DebugNode `json:"children"`
}

type TabsResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Tabs          []string  `json:"tabs"`
}

type SaveTreeRequest struct {
	Name string `json:"name"`
}

type ImportTreeRequest struct {
	Name     string `json:"name"`
	Contents string `json:"contents"`
}

type DownloadResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Path          string    `json:"path"`
}

type RefsResponse struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	SessionID     trees.SessionID  `json:"session_id"`
	Refs          []trees.RefEntry `json:"refs"`
}

type UpdateRefsRequest struct {
	Refs []trees.RefEntry `json:"refs"`
}

type SkipRequest struct {
	Skips int32 `json:"skips"`
}

type BreakpointResponse struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	SessionID     trees.SessionID `json:"session_id"`
	Action        string          `json:"action"`
	Skips         *int32          `json:"skips,omitempty"`
}

type SourceFileRequest struct {
	Path string `json:"path"`
}

type SourceFileResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Path          string    `json:"path"`
	Bytes         int       `json:"bytes"`
}

type SessionItem struct {
	RunID           string          `json:"run_id"`
	SessionID       trees.SessionID `json:"session_id"`
	SessionName     string          `json:"session_name"`
	Tab             string          `json:"tab,omitempty"`
	Pending         bool            `json:"pending"`
	FirstSeenAt     time.Time       `json:"first_seen_at"`
	LastPostedAt    time.Time       `json:"last_posted_at"`
	PostCount       int64           `json:"post_count"`
	DebuggablePosts int64           `json:"debuggable_posts"`
}

type DecisionItem struct {
	DecisionID string          `json:"decision_id"`
	RunID      string          `json:"run_id"`
	SessionID  trees.SessionID `json:"session_id"`
	Action     string          `json:"action"`
	Skips      int32           `json:"skips"`
	Outcome    string          `json:"outcome"`
	DecidedAt  time.Time       `json:"decided_at"`
}

type SessionsEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	RunID         string         `json:"run_id"`
	Sessions      []SessionItem  `json:"sessions"`
	Decisions     []DecisionItem `json:"decisions"`
}

// EventLine is one NDJSON record of GET /api/events.
type EventLine struct {
	SchemaVersion string          `json:"schema_version"`
	StreamID      string          `json:"stream_id"`
	EventID       string          `json:"event_id"`
	Sequence      int64           `json:"sequence"`
	EmittedAt     time.Time       `json:"emitted_at"`
	Event         string          `json:"event"`
	Payload       json.RawMessage `json:"payload"`
}

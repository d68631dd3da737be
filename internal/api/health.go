package api

import "time"

type HealthResponse struct {
	SchemaVersion   string    `json:"schema_version"`
	GeneratedAt     time.Time `json:"generated_at"`
	Status          string    `json:"status"`
	RunID           string    `json:"run_id,omitempty"`
	PendingSessions int       `json:"pending_sessions"`
	Subscribers     int       `json:"subscribers"`
}

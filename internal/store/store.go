// Package store persists session metadata and workspace files. Metadata
// lives in Redis as JSON; file payloads go to object storage with optional
// zstd compression.
package store

import (
	"context"
	"time"

	"tci/internal/execution"
)

// Metadata is the persisted view of a session. It round-trips through
// serialization without loss so a restarted service can resume sessions.
type Metadata struct {
	ID           string            `json:"id"`
	State        string            `json:"state"`
	Language     string            `json:"language"`
	Profile      string            `json:"profile"`
	InstanceID   string            `json:"instanceId,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastActiveAt time.Time         `json:"lastActiveAt"`
	ClosedAt     time.Time         `json:"closedAt,omitempty"`
}

// Client is the state store surface used by the session manager.
type Client interface {
	PutSession(ctx context.Context, meta *Metadata) error
	GetSession(ctx context.Context, sessionID string) (*Metadata, error)
	DeleteSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context) ([]string, error)

	PutExecution(ctx context.Context, rec *execution.Record) error
	GetExecution(ctx context.Context, executionID string) (*execution.Record, error)
	ListExecutions(ctx context.Context, sessionID string) ([]string, error)

	PutFile(ctx context.Context, sessionID, path string, data []byte) error
	GetFile(ctx context.Context, sessionID, path string) ([]byte, error)
	ListFiles(ctx context.Context, sessionID string) ([]string, error)

	// DeleteAll removes the session's virtual filesystem: every stored
	// file object and the file index. Metadata and execution records
	// survive so a closed session stays queryable until its TTL.
	DeleteAll(ctx context.Context, sessionID string) error
}

package store

import (
	"context"
	"errors"
	"time"
)

// Record is the last known state persisted for a managed server. It is a
// cache for operator visibility across manager restarts; liveness decisions
// always come from the live verified-process check, never from here.
type Record struct {
	Name       string
	PID        int
	LastStatus string
	UpdatedAt  time.Time
}

// ErrNotFound is returned by GetByName when no record exists for the name.
var ErrNotFound = errors.New("record not found")

// Store persists last-known server status keyed by unique server name.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, rec Record) error
	GetByName(ctx context.Context, name string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, name string) error
	Close() error
}

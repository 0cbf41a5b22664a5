package interfaces

import (
	"context"

	"proctor/pkg/types"
)

// SessionStore is the persistence collaborator. Saves are idempotent
// overwrites partitioned by exam day; reads degrade to not-found rather
// than failing the caller.
type SessionStore interface {
	// Save persists the session under its daily partition, replacing any
	// previous copy.
	Save(ctx context.Context, session *types.Session) error

	// Load returns the persisted session or types.ErrSessionNotFound.
	Load(ctx context.Context, sessionID string) (*types.Session, error)

	// LoadAll returns every session stored under a partition ("2006-01-02").
	LoadAll(ctx context.Context, partition string) ([]*types.Session, error)

	// HealthCheck validates the store is reachable.
	HealthCheck(ctx context.Context) error

	Close() error
}

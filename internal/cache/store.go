package cache

import (
	"context"
	"iter"
	"time"
)

// Store persists cache entries. Implementations must make a single-row
// Upsert/UpdateByID atomic. Find* methods never return expired rows.
type Store interface {
	// FindByFingerprint returns nil, nil on miss.
	FindByFingerprint(ctx context.Context, fingerprint string) (*Entry, error)
	// FindByID returns the row with id, expired or not, or nil, nil.
	FindByID(ctx context.Context, id string) (*Entry, error)
	// FindLatest returns the valid latest entry for the pair or nil, nil.
	FindLatest(ctx context.Context, ownerID, domain string) (*Entry, error)
	// Upsert inserts e or replaces the row sharing its fingerprint,
	// preserving that row's id and creation time.
	Upsert(ctx context.Context, e *Entry) (*Entry, error)
	UnsetLatest(ctx context.Context, ownerID, domain string) error
	// StoreLatest clears the pair's latest flag and upserts e as latest
	// in one transaction.
	StoreLatest(ctx context.Context, e *Entry) (*Entry, error)
	// UpdateByID returns ErrNotFound when id does not exist.
	UpdateByID(ctx context.Context, id string, a Artifact, expiresAt *time.Time) (*Entry, error)
	DeleteByFingerprint(ctx context.Context, fingerprint string) error
	// ScanAll lists every row, expired ones included. Each range re-runs the scan.
	ScanAll(ctx context.Context) iter.Seq2[Summary, error]
	PurgeExpired(ctx context.Context) (int64, error)
}

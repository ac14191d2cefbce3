package driven

import (
	"context"
	"time"

	"github.com/alorle/image-fetcher/internal/fetch"
)

// FetchRecordRepository defines the interface for fetch history persistence.
// This is a driven port implemented by concrete adapters (e.g., BoltDB).
type FetchRecordRepository interface {
	// Save persists a fetch record.
	Save(ctx context.Context, r fetch.Record) error

	// FindByURL retrieves all records for a URL, ordered by timestamp
	// descending (most recent first).
	FindByURL(ctx context.Context, rawURL string) ([]fetch.Record, error)

	// FindByURLSince retrieves records for a URL since the given time,
	// ordered by timestamp descending. Used for the rolling stats window.
	FindByURLSince(ctx context.Context, rawURL string, since time.Time) ([]fetch.Record, error)

	// DeleteBefore removes all records older than the given time.
	DeleteBefore(ctx context.Context, before time.Time) error

	// Ping checks if the repository (database) is accessible and operational.
	Ping(ctx context.Context) error
}

package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var ErrClosed = errors.New("storage closed")

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config configures storage.
//
// Driver values:
//   - "memory" (default): process-local map, lost on restart
//   - "sqlite": SQLite database file (pure Go driver)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store records dedup keys.
type Store interface {
	// MarkSeen records key until the given time. It reports true when the key
	// was new (or its previous mark had expired) and false for a duplicate.
	MarkSeen(ctx context.Context, key string, until time.Time) (bool, error)
	Close() error
}

// Package storage persists the dispatch cursor and reads the site's
// notification tables.
//
// Cursor drivers:
//   - "file": JSON snapshot, no dependency
//   - "sqlite": SQLite database file
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store keeps one cursor per job label. PutCursor never moves a cursor
// backwards; an older timestamp leaves the stored value unchanged.
type Store interface {
	GetCursor(ctx context.Context, label string) (t time.Time, ok bool, err error)
	PutCursor(ctx context.Context, label string, t time.Time) error
	Close() error
}

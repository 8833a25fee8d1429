package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "wxnotice/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// openDB opens a SQLite file with a single connection and the pragmas both
// the cursor store and the source adapter rely on.
func openDB(path string, busyTimeout time.Duration) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return db, nil
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	db, err := openDB(cfg.Path, cfg.BusyTimeout)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate cursor store: %w", err)
	}
	log.Debug("sqlite cursor store opened", logx.String("path", cfg.Path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetCursor(ctx context.Context, label string) (time.Time, bool, error) {
	var ns int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_check FROM dispatch_cursor WHERE job_label = ?`, label,
	).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, ns), true, nil
}

func (s *sqliteStore) PutCursor(ctx context.Context, label string, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_cursor(job_label, last_check, updated_at) VALUES(?,?,?)
		 ON CONFLICT(job_label) DO UPDATE SET
		   last_check = MAX(last_check, excluded.last_check),
		   updated_at = excluded.updated_at`,
		label, t.UnixNano(), time.Now().UnixNano(),
	)
	return err
}

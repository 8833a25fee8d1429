package storage

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"wxnotice/internal/aggregate"
	"wxnotice/internal/credential"
	"wxnotice/internal/recipient"
	logx "wxnotice/pkg/logx"
)

// sourceTables must exist in the site database.
var sourceTables = []string{
	"notifications_usernotification",
	"social_auth_usersocialauth",
	"profile_profile",
	"wxwork_tenant_auth",
}

// maxInArgs keeps IN lists well below SQLite's host parameter limit.
const maxInArgs = 500

type SourceConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// Source reads the site's notification, account link, profile and tenant
// authorization tables. It never writes to them.
type Source struct {
	db  *sql.DB
	log logx.Logger
}

var (
	_ aggregate.Source           = (*Source)(nil)
	_ recipient.LinkSource       = (*Source)(nil)
	_ credential.TenantAuthStore = (*Source)(nil)
)

// OpenSource opens the site database read-only. The file and every table
// the adapter queries must already exist.
func OpenSource(cfg SourceConfig, log logx.Logger) (*Source, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("source path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("source database: %w", err)
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Set("mode", "ro")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	dsn := (&url.URL{Scheme: "file", OmitHost: true, Path: abs, RawQuery: q.Encode()}).String()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	if err := checkTables(db, abs); err != nil {
		_ = db.Close()
		return nil, err
	}
	log = log.With(logx.String("comp", "source"))
	log.Debug("source opened read-only", logx.String("path", abs))
	return &Source{db: db, log: log}, nil
}

func checkTables(db *sql.DB, path string) error {
	for _, table := range sourceTables {
		var n int
		err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
		if err != nil {
			return fmt.Errorf("source database %s: %w", path, err)
		}
		if n == 0 {
			return fmt.Errorf("source database %s: missing table %s", path, table)
		}
	}
	return nil
}

func (s *Source) Close() error { return s.db.Close() }

func (s *Source) Links(ctx context.Context, provider string) ([]recipient.Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username, uid FROM social_auth_usersocialauth WHERE provider = ? ORDER BY id`,
		provider,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []recipient.Link
	for rows.Next() {
		var l recipient.Link
		if err := rows.Scan(&l.InternalID, &l.ExternalUID); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Unseen returns unseen notifications with since < timestamp <= until for
// the given users, ordered by timestamp then id.
func (s *Source) Unseen(ctx context.Context, recipientIDs []string, since, until time.Time) ([]aggregate.Notification, error) {
	var out []aggregate.Notification
	for start := 0; start < len(recipientIDs); start += maxInArgs {
		end := min(start+maxInArgs, len(recipientIDs))
		chunk, err := s.unseenChunk(ctx, recipientIDs[start:end], since, until)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	if len(recipientIDs) > maxInArgs {
		sortNotifications(out)
	}
	return out, nil
}

func (s *Source) unseenChunk(ctx context.Context, ids []string, since, until time.Time) ([]aggregate.Notification, error) {
	args := make([]any, 0, len(ids)+2)
	args = append(args, since.UnixNano(), until.UnixNano())
	for _, id := range ids {
		args = append(args, id)
	}
	q := `SELECT id, to_user, message, timestamp, seen FROM notifications_usernotification
	      WHERE timestamp > ? AND timestamp <= ? AND seen = 0 AND to_user IN (` + placeholders(len(ids)) + `)
	      ORDER BY timestamp, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []aggregate.Notification
	for rows.Next() {
		var (
			n  aggregate.Notification
			ns int64
		)
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Message, &ns, &n.Seen); err != nil {
			return nil, err
		}
		n.Timestamp = time.Unix(0, ns)
		out = append(out, n)
	}
	return out, rows.Err()
}

// Locale returns the user's language code, "" when unset.
func (s *Source) Locale(ctx context.Context, internalID string) (string, error) {
	var lang sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT lang_code FROM profile_profile WHERE user = ?`, internalID,
	).Scan(&lang)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(lang.String), nil
}

func (s *Source) PermanentCode(ctx context.Context, tenantID string) (string, error) {
	var code string
	err := s.db.QueryRowContext(ctx,
		`SELECT permanent_code FROM wxwork_tenant_auth WHERE corp_id = ?`, tenantID,
	).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && code == "") {
		return "", fmt.Errorf("%w: %s", credential.ErrTenantNotAuthorized, tenantID)
	}
	if err != nil {
		return "", err
	}
	return code, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func sortNotifications(ns []aggregate.Notification) {
	slices.SortStableFunc(ns, func(a, b aggregate.Notification) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

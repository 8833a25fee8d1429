// Package cursor tracks the "last successful check" of a dispatch job.
package cursor

import (
	"context"
	"fmt"
	"time"

	logx "wxnotice/pkg/logx"
)

// Backend is the persistence the cursor needs. storage.Store satisfies it.
type Backend interface {
	GetCursor(ctx context.Context, label string) (time.Time, bool, error)
	PutCursor(ctx context.Context, label string, t time.Time) error
}

type Store struct {
	backend Backend
	loc     *time.Location
	now     func() time.Time
	log     logx.Logger
}

type Option func(*Store)

// WithLocation sets the zone used for the start-of-day default.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(s *Store) { s.log = log }
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, loc: time.Local, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "cursor"))
	return s
}

// Read returns the stored cursor for label, or the start of the current day
// when none exists yet.
func (s *Store) Read(ctx context.Context, label string) (time.Time, error) {
	t, ok, err := s.backend.GetCursor(ctx, label)
	if err != nil {
		return time.Time{}, fmt.Errorf("read cursor %s: %w", label, err)
	}
	if !ok {
		t = StartOfDay(s.now(), s.loc)
		s.log.Debug("no cursor yet; using start of day", logx.String("job", label), logx.Time("last_check", t))
		return t, nil
	}
	s.log.Debug("last check", logx.String("job", label), logx.Time("last_check", t))
	return t, nil
}

// Write stores t for label. The backend keeps the larger of the old and new
// value.
func (s *Store) Write(ctx context.Context, label string, t time.Time) error {
	if err := s.backend.PutCursor(ctx, label, t); err != nil {
		return fmt.Errorf("write cursor %s: %w", label, err)
	}
	s.log.Debug("cursor advanced", logx.String("job", label), logx.Time("last_check", t))
	return nil
}

func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

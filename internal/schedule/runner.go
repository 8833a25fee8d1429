package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "wxnotice/pkg/logx"
)

// Job is one triggered run.
type Job func(ctx context.Context) error

type Config struct {
	Spec     string
	Location *time.Location
	// Timeout bounds one run. Zero means no bound.
	Timeout time.Duration
}

// Runner triggers a single job on a schedule. A trigger that fires while
// the previous run is still going is skipped.
type Runner struct {
	log    logx.Logger
	job    Job
	parser cron.Parser

	mu    sync.Mutex
	cfg   Config
	spec  ParsedSpec
	c     *cron.Cron
	ctx   context.Context
	entry cron.EntryID
}

func NewRunner(job Job, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		log:    log.With(logx.String("comp", "schedule")),
		job:    job,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate parses cfg.Spec the same way Start does.
func (r *Runner) Validate(cfg Config) (ParsedSpec, error) {
	p, err := ParseSchedule(cfg.Spec)
	if err != nil {
		return ParsedSpec{}, err
	}
	if _, err := r.parser.Parse(p.CronSpec()); err != nil {
		return ParsedSpec{}, fmt.Errorf("schedule %q: %w", cfg.Spec, err)
	}
	return p, nil
}

// Start registers the job and starts the cron loop. Runs receive a context
// derived from ctx.
func (r *Runner) Start(ctx context.Context, cfg Config) error {
	p, err := r.Validate(cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return errors.New("schedule runner already started")
	}
	r.ctx = ctx
	if err := r.startLocked(cfg, p); err != nil {
		return err
	}
	return nil
}

func (r *Runner) startLocked(cfg Config, p ParsedSpec) error {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	cl := cronLogger{log: r.log}
	c := cron.New(
		cron.WithParser(r.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	id, err := c.AddFunc(p.CronSpec(), r.fire)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", cfg.Spec, err)
	}
	r.c, r.entry, r.cfg, r.spec = c, id, cfg, p
	c.Start()

	r.log.Info("schedule started",
		logx.String("spec", cfg.Spec),
		logx.String("kind", p.Kind.String()),
		logx.String("tz", loc.String()),
		logx.Time("next", c.Entry(id).Next),
	)
	return nil
}

// Apply swaps the schedule when spec, timezone or timeout changed. An
// in-flight run is not interrupted.
func (r *Runner) Apply(cfg Config) error {
	p, err := r.Validate(cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c == nil {
		return errors.New("schedule runner not started")
	}
	if sameConfig(r.cfg, cfg) {
		return nil
	}
	old := r.c
	r.c = nil
	old.Stop()
	return r.startLocked(cfg, p)
}

func sameConfig(a, b Config) bool {
	la, lb := a.Location, b.Location
	if la == nil {
		la = time.Local
	}
	if lb == nil {
		lb = time.Local
	}
	return a.Spec == b.Spec && a.Timeout == b.Timeout && la.String() == lb.String()
}

// Next returns the next scheduled trigger, zero when stopped.
func (r *Runner) Next() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c == nil {
		return time.Time{}
	}
	return r.c.Entry(r.entry).Next
}

// Stop stops triggering and waits for a running job until ctx is done.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		r.log.Info("schedule stopped")
	case <-ctx.Done():
		r.log.Warn("schedule stop timed out; run still in progress")
	}
}

func (r *Runner) fire() {
	r.mu.Lock()
	parent := r.ctx
	timeout := r.cfg.Timeout
	r.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return
	}

	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}
	start := time.Now()
	if err := r.job(ctx); err != nil {
		r.log.Error("scheduled run failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		return
	}
	r.log.Debug("scheduled run finished", logx.Duration("took", time.Since(start)))
}

// cronLogger routes cron's own messages (skips, recovered panics) to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}

// Package dispatch runs one incremental notification dispatch.
//
// A run reads the job cursor, collects every unseen notification newer
// than it for the linked recipients, sends one textcard per recipient that
// has something new, and finally moves the cursor to the time the run
// started. Send failures stay with their recipient. A missing suite ticket
// or a cancelled context ends the run without moving the cursor.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"wxnotice/internal/aggregate"
	"wxnotice/internal/credential"
	"wxnotice/internal/eventbus"
	"wxnotice/internal/recipient"
	"wxnotice/internal/render"
	"wxnotice/internal/wxwork"
	logx "wxnotice/pkg/logx"
)

var ErrRunInProgress = errors.New("dispatch run already in progress")

type CursorStore interface {
	Read(ctx context.Context, label string) (time.Time, error)
	Write(ctx context.Context, label string, t time.Time) error
}

type Registry interface {
	List(ctx context.Context) ([]recipient.Recipient, error)
}

type Aggregator interface {
	Collect(ctx context.Context, since, until time.Time, recipientIDs []string) (map[string][]aggregate.Notification, error)
}

type LocaleSource interface {
	Locale(ctx context.Context, internalID string) (string, error)
}

type Broker interface {
	Client(ctx context.Context, id recipient.Identity) (credential.Client, error)
}

type Config struct {
	JobLabel  string
	SiteName  string
	ActionURL string
	Workers   int
	// SendTimeout bounds one gateway send, token refresh included.
	SendTimeout   time.Duration
	DefaultLocale string
}

type Deps struct {
	Cursor     CursorStore
	Registry   Registry
	Aggregator Aggregator
	Locales    LocaleSource // optional
	Renderer   *render.Renderer
	// NewBroker returns a fresh broker for each run, so tenant clients and
	// the suite ticket never outlive a run.
	NewBroker func() Broker
	Bus       eventbus.Bus // optional
	Now       func() time.Time
	Log       logx.Logger
}

type Result struct {
	RunID      string
	Since      time.Time
	Until      time.Time
	Recipients int
	Sent       int
	Failed     int
	Skipped    int
	// CursorAdvanced is false for runs that had nobody to notify.
	CursorAdvanced bool
	Duration       time.Duration
}

type Dispatcher struct {
	deps    Deps
	cfg     atomic.Pointer[Config]
	running sync.Mutex
	log     logx.Logger
}

func New(cfg Config, deps Deps) *Dispatcher {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	if deps.Renderer == nil {
		deps.Renderer = render.New(cfg.DefaultLocale)
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	d := &Dispatcher{deps: deps, log: deps.Log.With(logx.String("comp", "dispatch"))}
	d.Apply(cfg)
	return d
}

// Apply replaces the run configuration. Takes effect on the next run.
func (d *Dispatcher) Apply(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	d.cfg.Store(&cfg)
}

func (d *Dispatcher) Config() Config { return *d.cfg.Load() }

// Run performs one dispatch. Only one run executes at a time; an
// overlapping call returns ErrRunInProgress.
func (d *Dispatcher) Run(ctx context.Context) (res Result, err error) {
	if !d.running.TryLock() {
		return Result{}, ErrRunInProgress
	}
	defer d.running.Unlock()

	cfg := d.Config()
	res.RunID = uuid.NewString()
	ctx = context.WithValue(ctx, runIDKey{}, res.RunID)
	log := d.log.With(logx.String("run_id", res.RunID), logx.String("job", cfg.JobLabel))
	started := time.Now()
	defer func() { res.Duration = time.Since(started) }()

	since, err := d.deps.Cursor.Read(ctx, cfg.JobLabel)
	if err != nil {
		return res, err
	}
	until := d.deps.Now()
	res.Since, res.Until = since, until

	recipients, err := d.deps.Registry.List(ctx)
	if err != nil {
		return res, err
	}
	res.Recipients = len(recipients)
	if len(recipients) == 0 {
		log.Info("no connected recipients; nothing to do")
		d.publish(res.RunID, eventbus.TypeRunFinished, eventbus.RunFinishedData{JobLabel: cfg.JobLabel, Duration: time.Since(started)})
		return res, nil
	}

	perRecipient, err := d.deps.Aggregator.Collect(ctx, since, until, recipient.IDs(recipients))
	if err != nil {
		return res, err
	}
	log.Info("dispatch run started",
		logx.Time("since", since),
		logx.Int("recipients", len(recipients)),
		logx.Int("with_notices", len(perRecipient)),
	)
	d.publish(res.RunID, eventbus.TypeRunStarted, eventbus.RunStartedData{JobLabel: cfg.JobLabel, Since: since, Recipients: len(recipients)})

	var sent, failed, skipped atomic.Int64
	broker := d.deps.NewBroker()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)

	for _, r := range recipients {
		notes := perRecipient[r.InternalID]
		if len(notes) == 0 {
			skipped.Add(1)
			continue
		}
		// Checkpoint: nothing new starts after a fatal error or cancellation.
		if gctx.Err() != nil {
			break
		}
		r := r
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			ok, err := d.dispatchOne(gctx, cfg, broker, r, notes, log)
			switch {
			case err != nil:
				return err
			case ok:
				sent.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	werr := g.Wait()

	res.Sent, res.Failed, res.Skipped = int(sent.Load()), int(failed.Load()), int(skipped.Load())
	if werr == nil && ctx.Err() != nil {
		werr = ctx.Err()
	}
	if werr != nil {
		log.Error("dispatch run aborted; cursor not advanced",
			logx.Err(werr),
			logx.Int("sent", res.Sent),
			logx.Int("failed", res.Failed),
		)
		d.publish(res.RunID, eventbus.TypeRunAborted, eventbus.RunAbortedData{JobLabel: cfg.JobLabel, Reason: abortReason(werr), Duration: time.Since(started)})
		return res, fmt.Errorf("dispatch run %s: %w", res.RunID, werr)
	}

	if err := d.deps.Cursor.Write(ctx, cfg.JobLabel, until); err != nil {
		return res, err
	}
	res.CursorAdvanced = true

	log.Info("dispatch run finished",
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Int("skipped", res.Skipped),
		logx.Time("last_check", until),
		logx.Duration("took", time.Since(started)),
	)
	d.publish(res.RunID, eventbus.TypeRunFinished, eventbus.RunFinishedData{
		JobLabel:       cfg.JobLabel,
		Recipients:     res.Recipients,
		Sent:           res.Sent,
		Failed:         res.Failed,
		Skipped:        res.Skipped,
		Duration:       time.Since(started),
		CursorAdvanced: true,
	})
	return res, nil
}

// dispatchOne renders and sends one recipient's batch. It returns an error
// only when the run must stop; a failed send is (false, nil).
func (d *Dispatcher) dispatchOne(ctx context.Context, cfg Config, broker Broker, r recipient.Recipient, notes []aggregate.Notification, log logx.Logger) (bool, error) {
	id := r.Identity
	log = log.With(
		logx.String("user", r.InternalID),
		logx.String("uid", id.String()),
		logx.String("kind", id.Kind().String()),
	)

	locale := d.locale(ctx, cfg, r.InternalID, log)
	msg := d.deps.Renderer.Render(locale, notes, cfg.SiteName, cfg.ActionURL)

	client, err := broker.Client(ctx, id)
	if err != nil {
		if credential.IsFatal(err) {
			return false, err
		}
		log.Error("no client for recipient", logx.Err(err))
		d.publishSend(ctx, id, eventbus.OutcomeFailed, len(notes), 0)
		return false, nil
	}

	// In-flight sends finish even when the run is cancelled.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.SendTimeout)
	defer cancel()
	start := time.Now()
	err = client.SendTextCard(sctx, id.UID(), wxwork.TextCard{
		Title:       msg.Title,
		Description: msg.Body,
		URL:         msg.ActionURL,
	})
	took := time.Since(start)
	if err != nil {
		log.Error("send wxwork message failed", logx.Int("notices", len(notes)), logx.Duration("took", took), logx.Err(err))
		d.publishSend(ctx, id, eventbus.OutcomeFailed, len(notes), took)
		return false, nil
	}
	log.Info("wxwork message sent", logx.Int("notices", len(notes)), logx.String("locale", locale), logx.Duration("took", took))
	d.publishSend(ctx, id, eventbus.OutcomeSent, len(notes), took)
	return true, nil
}

func (d *Dispatcher) locale(ctx context.Context, cfg Config, internalID string, log logx.Logger) string {
	if d.deps.Locales == nil {
		return cfg.DefaultLocale
	}
	lang, err := d.deps.Locales.Locale(ctx, internalID)
	if err != nil {
		log.Warn("locale lookup failed; using default", logx.String("default", cfg.DefaultLocale), logx.Err(err))
		return cfg.DefaultLocale
	}
	if lang == "" {
		return cfg.DefaultLocale
	}
	return lang
}

type runIDKey struct{}

func (d *Dispatcher) publish(runID, typ string, data any) {
	d.deps.Bus.Publish(eventbus.Event{Type: typ, RunID: runID, Data: data})
}

func (d *Dispatcher) publishSend(ctx context.Context, id recipient.Identity, outcome string, count int, took time.Duration) {
	runID, _ := ctx.Value(runIDKey{}).(string)
	d.deps.Bus.Publish(eventbus.Event{
		Type:  eventbus.TypeSend,
		RunID: runID,
		Data:  eventbus.SendData{Kind: id.Kind().String(), Outcome: outcome, Count: count, Duration: took},
	})
}

func abortReason(err error) string {
	switch {
	case errors.Is(err, credential.ErrMissingSuiteTicket):
		return "missing_suite_ticket"
	case credential.IsFatal(err):
		return "ticket_cache"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

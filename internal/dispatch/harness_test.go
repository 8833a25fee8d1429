package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wxnotice/internal/aggregate"
	"wxnotice/internal/credential"
	"wxnotice/internal/cursor"
	"wxnotice/internal/eventbus"
	"wxnotice/internal/recipient"
	"wxnotice/internal/render"
	"wxnotice/internal/wxwork"
	logx "wxnotice/pkg/logx"
)

const testLabel = "notifications_send_wxwork_notices"

// memBackend is a monotonic in-memory cursor backend.
type memBackend struct {
	mu     sync.Mutex
	vals   map[string]time.Time
	writes int
}

func (m *memBackend) GetCursor(_ context.Context, label string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.vals[label]
	return t, ok, nil
}

func (m *memBackend) PutCursor(_ context.Context, label string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if old, ok := m.vals[label]; !ok || t.After(old) {
		m.vals[label] = t
	}
	return nil
}

func (m *memBackend) get(label string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.vals[label]
	return t, ok
}

type linkSource []recipient.Link

func (l linkSource) Links(context.Context, string) ([]recipient.Link, error) { return l, nil }

type noteSource struct {
	mu    sync.Mutex
	notes []aggregate.Notification
}

func (s *noteSource) add(user string, ts time.Time, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, aggregate.Notification{
		ID: int64(len(s.notes) + 1), RecipientID: user, Timestamp: ts, Message: msg,
	})
}

func (s *noteSource) Unseen(_ context.Context, ids []string, since, until time.Time) ([]aggregate.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []aggregate.Notification
	for _, n := range s.notes {
		if want[n.RecipientID] && !n.Seen && n.Timestamp.After(since) && !n.Timestamp.After(until) {
			out = append(out, n)
		}
	}
	return out, nil
}

type localeMap struct {
	langs map[string]string
	err   error
}

func (l localeMap) Locale(_ context.Context, id string) (string, error) {
	return l.langs[id], l.err
}

type sentMsg struct {
	client string
	to     string
	card   wxwork.TextCard
}

type gateway struct {
	mu   sync.Mutex
	sent []sentMsg
	// fail maps a user id to the error its send returns.
	fail map[string]error
	// hook runs before each send returns.
	hook func(ctx context.Context, to string) error
}

func (g *gateway) messages() []sentMsg {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentMsg(nil), g.sent...)
}

type gwClient struct {
	gw   *gateway
	name string
}

func (c gwClient) SendTextCard(ctx context.Context, to string, card wxwork.TextCard) error {
	if c.gw.hook != nil {
		if err := c.gw.hook(ctx, to); err != nil {
			return err
		}
	}
	if err := c.gw.fail[to]; err != nil {
		return err
	}
	c.gw.mu.Lock()
	c.gw.sent = append(c.gw.sent, sentMsg{client: c.name, to: to, card: card})
	c.gw.mu.Unlock()
	return nil
}

type factory struct {
	gw      *gateway
	direct  atomic.Int32
	tenants atomic.Int32
}

func (f *factory) Direct() (credential.Client, error) {
	f.direct.Add(1)
	return gwClient{gw: f.gw, name: "corp"}, nil
}

func (f *factory) Tenant(tenantID, code, ticket string) (credential.Client, error) {
	f.tenants.Add(1)
	return gwClient{gw: f.gw, name: "tenant:" + tenantID}, nil
}

type tickets struct {
	ticket string
	calls  atomic.Int32
}

func (t *tickets) SuiteTicket(context.Context) (string, bool, error) {
	t.calls.Add(1)
	return t.ticket, t.ticket != "", nil
}

type tenantAuth struct {
	mu    sync.Mutex
	codes map[string]string
	calls map[string]int
}

func (a *tenantAuth) PermanentCode(_ context.Context, tenantID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[tenantID]++
	code, ok := a.codes[tenantID]
	if !ok {
		return "", fmt.Errorf("%w: %s", credential.ErrTenantNotAuthorized, tenantID)
	}
	return code, nil
}

// countingBroker records every client lookup.
type countingBroker struct {
	inner   Broker
	lookups atomic.Int32
}

func (b *countingBroker) Client(ctx context.Context, id recipient.Identity) (credential.Client, error) {
	b.lookups.Add(1)
	return b.inner.Client(ctx, id)
}

type harness struct {
	t       *testing.T
	now     time.Time
	links   linkSource
	notes   *noteSource
	locales LocaleSource
	backend *memBackend
	gw      *gateway
	factory *factory
	tickets *tickets
	auth    *tenantAuth
	bus     *eventbus.MemBus
	brokers []*countingBroker
	workers int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gw := &gateway{fail: map[string]error{}}
	return &harness{
		t:       t,
		now:     time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		notes:   &noteSource{},
		backend: &memBackend{vals: map[string]time.Time{}},
		gw:      gw,
		factory: &factory{gw: gw},
		tickets: &tickets{ticket: "suite-ticket"},
		auth:    &tenantAuth{codes: map[string]string{}, calls: map[string]int{}},
		bus:     eventbus.New(),
		workers: 1,
	}
}

func (h *harness) setCursor(t time.Time) {
	h.backend.vals[testLabel] = t
}

func (h *harness) dispatcher() *Dispatcher {
	log := logx.Nop()
	clock := func() time.Time { return h.now }
	return New(Config{
		JobLabel:      testLabel,
		SiteName:      "Seafile",
		ActionURL:     "https://cloud.example.com/notification/list/",
		Workers:       h.workers,
		SendTimeout:   time.Second,
		DefaultLocale: "en",
	}, Deps{
		Cursor:     cursor.New(h.backend, cursor.WithClock(clock), cursor.WithLocation(time.UTC)),
		Registry:   recipient.NewRegistry(h.links, "weixin-work", log),
		Aggregator: aggregate.New(h.notes, log),
		Locales:    h.locales,
		Renderer:   render.New("en"),
		NewBroker: func() Broker {
			b := &countingBroker{inner: credential.NewBroker(h.factory, h.tickets, h.auth, log)}
			h.brokers = append(h.brokers, b)
			return b
		},
		Bus: h.bus,
		Now: clock,
		Log: log,
	})
}

func (h *harness) lookups() int32 {
	var n int32
	for _, b := range h.brokers {
		n += b.lookups.Load()
	}
	return n
}

var errBoom = errors.New("gateway exploded")

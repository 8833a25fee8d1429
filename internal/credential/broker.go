// Package credential hands out gateway clients for recipients.
//
// A Broker lives for one dispatch run. Direct recipients share one client
// of the corp application. Delegated recipients get one client per tenant,
// built on first use from the suite ticket and the tenant's permanent code.
//
// A missing suite ticket is fatal for the run. After it happens no further
// tenant client is built; every delegated request fails with the same
// error.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"wxnotice/internal/recipient"
	"wxnotice/internal/wxwork"
	logx "wxnotice/pkg/logx"
)

var (
	ErrMissingSuiteTicket  = errors.New("suite ticket not found")
	ErrTenantNotAuthorized = errors.New("tenant not authorized")
)

type Client interface {
	SendTextCard(ctx context.Context, toUser string, card wxwork.TextCard) error
}

type TicketCache interface {
	SuiteTicket(ctx context.Context) (ticket string, ok bool, err error)
}

type TenantAuthStore interface {
	// PermanentCode returns ErrTenantNotAuthorized (wrapped) when the
	// tenant has not installed the suite.
	PermanentCode(ctx context.Context, tenantID string) (string, error)
}

type Factory interface {
	Direct() (Client, error)
	Tenant(tenantID, permanentCode, suiteTicket string) (Client, error)
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

type entry struct {
	client Client
	err    error
}

type Broker struct {
	factory Factory
	tickets TicketCache
	auth    TenantAuthStore
	log     logx.Logger

	mu      sync.Mutex
	direct  *entry
	tenants map[string]entry
	ticket  string
	gate    error // fatal error, sticky for the run

	sf       singleflight.Group // per tenant
	ticketSF singleflight.Group
}

func NewBroker(factory Factory, tickets TicketCache, auth TenantAuthStore, log logx.Logger) *Broker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Broker{
		factory: factory,
		tickets: tickets,
		auth:    auth,
		log:     log.With(logx.String("comp", "credential")),
		tenants: map[string]entry{},
	}
}

// Client returns the client for id. The result is cached for the lifetime
// of the broker. Use IsFatal to tell a run-aborting error from a
// recipient-local one.
func (b *Broker) Client(ctx context.Context, id recipient.Identity) (Client, error) {
	switch id.Kind() {
	case recipient.Direct:
		return b.directClient()
	case recipient.Delegated:
		return b.tenantClient(ctx, id.TenantID())
	default:
		return nil, fmt.Errorf("client for %q: %w", id.String(), recipient.ErrMalformedIdentity)
	}
}

func (b *Broker) directClient() (Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.direct == nil {
		c, err := b.factory.Direct()
		if err != nil {
			err = fmt.Errorf("build corp client: %w", err)
		}
		b.direct = &entry{client: c, err: err}
		b.log.Debug("corp client built", logx.Err(err))
	}
	return b.direct.client, b.direct.err
}

func (b *Broker) cached(tenantID string) (entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gate != nil {
		return entry{err: b.gate}, true
	}
	e, ok := b.tenants[tenantID]
	return e, ok
}

func (b *Broker) tenantClient(ctx context.Context, tenantID string) (Client, error) {
	if e, ok := b.cached(tenantID); ok {
		return e.client, e.err
	}

	v, err, _ := b.sf.Do(tenantID, func() (any, error) {
		// A concurrent call may have finished between cached() and Do.
		if e, ok := b.cached(tenantID); ok {
			return e.client, e.err
		}
		c, err := b.buildTenant(ctx, tenantID)

		b.mu.Lock()
		defer b.mu.Unlock()
		switch {
		case IsFatal(err):
			if b.gate == nil {
				b.gate = err
			}
			return nil, b.gate
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// not cached: a later caller with a live context may retry
		default:
			b.tenants[tenantID] = entry{client: c, err: err}
		}
		return c, err
	})
	if err != nil {
		return nil, err
	}
	c, _ := v.(Client)
	return c, nil
}

func (b *Broker) buildTenant(ctx context.Context, tenantID string) (Client, error) {
	ticket, err := b.suiteTicket(ctx)
	if err != nil {
		return nil, err
	}
	code, err := b.auth.PermanentCode(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrTenantNotAuthorized) {
			b.log.Warn("tenant has no permanent code", logx.String("tenant", tenantID))
		}
		return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
	}
	c, err := b.factory.Tenant(tenantID, code, ticket)
	if err != nil {
		return nil, fmt.Errorf("build client for tenant %s: %w", tenantID, err)
	}
	b.log.Debug("tenant client built", logx.String("tenant", tenantID))
	return c, nil
}

// suiteTicket reads the ticket once per run.
func (b *Broker) suiteTicket(ctx context.Context) (string, error) {
	v, err, _ := b.ticketSF.Do("ticket", func() (any, error) {
		b.mu.Lock()
		t := b.ticket
		b.mu.Unlock()
		if t != "" {
			return t, nil
		}

		t, ok, err := b.tickets.SuiteTicket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "", err
			}
			return "", &fatalError{fmt.Errorf("read suite ticket: %w", err)}
		}
		if !ok || t == "" {
			return "", &fatalError{ErrMissingSuiteTicket}
		}
		b.mu.Lock()
		b.ticket = t
		b.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Stats reports what the broker built so far.
func (b *Broker) Stats() (direct bool, tenants int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.tenants {
		if e.err == nil {
			tenants++
		}
	}
	return b.direct != nil && b.direct.err == nil, tenants
}

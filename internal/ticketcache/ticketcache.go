// Package ticketcache reads the suite ticket that WeCom pushes to the
// suite's callback endpoint every few minutes. Another process stores it;
// this package only reads.
package ticketcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	logx "wxnotice/pkg/logx"
)

const DefaultKey = "wx_work_suite_ticket"

type Config struct {
	Driver   string // "redis" | "memory"
	Addr     string
	Password string
	DB       int
	Key      string
	// Ticket seeds the memory driver.
	Ticket string
}

// Cache is what callers need from a ticket cache. ok is false when no
// ticket is stored.
type Cache interface {
	SuiteTicket(ctx context.Context) (ticket string, ok bool, err error)
	Close() error
}

// Open builds the configured cache. An empty driver means "memory".
func Open(cfg Config, log logx.Logger) (Cache, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "ticketcache"))
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = DefaultKey
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		m := NewMemory()
		if cfg.Ticket != "" {
			m.Set(cfg.Ticket)
		}
		return m, nil
	case "redis":
		if strings.TrimSpace(cfg.Addr) == "" {
			return nil, errors.New("ticket_cache.addr is required for redis")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		log.Debug("redis ticket cache configured", logx.String("addr", cfg.Addr), logx.String("key", key))
		return NewRedis(client, key, log), nil
	default:
		return nil, fmt.Errorf("unknown ticket cache driver: %s", cfg.Driver)
	}
}

// Redis reads the ticket from a string key.
type Redis struct {
	client *redis.Client
	key    string
	log    logx.Logger
}

func NewRedis(client *redis.Client, key string, log logx.Logger) *Redis {
	if key == "" {
		key = DefaultKey
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Redis{client: client, key: key, log: log}
}

func (r *Redis) SuiteTicket(ctx context.Context) (string, bool, error) {
	v, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false, nil
	}
	return v, true, nil
}

// Ping checks connectivity. The app calls it while opening backends so a
// bad address fails startup instead of the first run.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error { return r.client.Close() }

// Memory holds a ticket in process. For local runs and tests.
type Memory struct {
	mu     sync.RWMutex
	ticket string
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Set(ticket string) {
	m.mu.Lock()
	m.ticket = strings.TrimSpace(ticket)
	m.mu.Unlock()
}

func (m *Memory) SuiteTicket(context.Context) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ticket, m.ticket != "", nil
}

func (m *Memory) Close() error { return nil }

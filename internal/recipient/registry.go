package recipient

import (
	"context"
	"errors"
	"fmt"

	logx "wxnotice/pkg/logx"
)

// Link is an account link row: an internal account and its external id.
type Link struct {
	InternalID  string
	ExternalUID string
}

type LinkSource interface {
	Links(ctx context.Context, provider string) ([]Link, error)
}

type Recipient struct {
	InternalID string
	Identity   Identity
}

type Registry struct {
	src      LinkSource
	provider string
	log      logx.Logger
}

func NewRegistry(src LinkSource, provider string, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{src: src, provider: provider, log: log.With(logx.String("comp", "recipient"))}
}

// List returns the connected recipients in source order. Links with a
// malformed external id are logged and skipped; a repeated internal id keeps
// its first link.
func (r *Registry) List(ctx context.Context) ([]Recipient, error) {
	links, err := r.src.Links(ctx, r.provider)
	if err != nil {
		return nil, fmt.Errorf("list %s links: %w", r.provider, err)
	}

	out := make([]Recipient, 0, len(links))
	seen := make(map[string]struct{}, len(links))
	for _, l := range links {
		id, err := Parse(l.ExternalUID)
		if err != nil {
			if errors.Is(err, ErrMalformedIdentity) {
				r.log.Warn("skipping recipient", logx.String("user", l.InternalID), logx.Err(err))
				continue
			}
			return nil, err
		}
		if _, dup := seen[l.InternalID]; dup {
			r.log.Warn("duplicate account link ignored",
				logx.String("user", l.InternalID),
				logx.String("uid", l.ExternalUID),
			)
			continue
		}
		seen[l.InternalID] = struct{}{}
		out = append(out, Recipient{InternalID: l.InternalID, Identity: id})
	}
	return out, nil
}

// IDs returns the internal ids of rs in order.
func IDs(rs []Recipient) []string {
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.InternalID
	}
	return ids
}

// Package aggregate groups unseen notifications by recipient.
package aggregate

import (
	"context"
	"fmt"
	"time"

	logx "wxnotice/pkg/logx"
)

type Source interface {
	// Unseen returns unseen notifications in (since, until] for the given
	// recipients, ordered by timestamp then id.
	Unseen(ctx context.Context, recipientIDs []string, since, until time.Time) ([]Notification, error)
}

type Aggregator struct {
	src Source
	log logx.Logger
}

func New(src Source, log logx.Logger) *Aggregator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Aggregator{src: src, log: log.With(logx.String("comp", "aggregate"))}
}

// Collect returns, per recipient id, the unseen notifications with
// since < timestamp <= until. Notifications stored after until belong to
// the next run. Rows outside that filter, for unknown
// recipients or repeating an id already collected are dropped, so each
// notification lands in at most one batch. Recipients with nothing new are
// absent from the map.
func (a *Aggregator) Collect(ctx context.Context, since, until time.Time, recipientIDs []string) (map[string][]Notification, error) {
	out := map[string][]Notification{}
	if len(recipientIDs) == 0 {
		return out, nil
	}

	rows, err := a.src.Unseen(ctx, recipientIDs, since, until)
	if err != nil {
		return nil, fmt.Errorf("query unseen notifications: %w", err)
	}

	wanted := make(map[string]struct{}, len(recipientIDs))
	for _, id := range recipientIDs {
		wanted[id] = struct{}{}
	}
	seenIDs := make(map[int64]struct{}, len(rows))
	dropped := 0
	for _, n := range rows {
		if n.Seen || !n.Timestamp.After(since) || n.Timestamp.After(until) {
			dropped++
			continue
		}
		if _, ok := wanted[n.RecipientID]; !ok {
			dropped++
			continue
		}
		if _, dup := seenIDs[n.ID]; dup {
			dropped++
			continue
		}
		seenIDs[n.ID] = struct{}{}
		out[n.RecipientID] = append(out[n.RecipientID], n)
	}
	if dropped > 0 {
		a.log.Warn("source returned rows outside the query", logx.Int("dropped", dropped))
	}
	a.log.Debug("notifications collected",
		logx.Time("since", since),
		logx.Time("until", until),
		logx.Int("notifications", len(seenIDs)),
		logx.Int("recipients", len(out)),
	)
	return out, nil
}

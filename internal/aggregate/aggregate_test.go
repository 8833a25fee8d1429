package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "wxnotice/pkg/logx"
)

type fakeSource struct {
	rows  []Notification
	err   error
	calls int
	ids   []string
}

func (f *fakeSource) Unseen(_ context.Context, ids []string, _, _ time.Time) ([]Notification, error) {
	f.calls++
	f.ids = ids
	return f.rows, f.err
}

func TestCollectGroupsInSourceOrder(t *testing.T) {
	t.Parallel()

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(m int) time.Time { return since.Add(time.Duration(m) * time.Minute) }
	src := &fakeSource{rows: []Notification{
		{ID: 1, RecipientID: "userA", Timestamp: at(1), Message: "a1"},
		{ID: 2, RecipientID: "userC", Timestamp: at(2), Message: "c1"},
		{ID: 3, RecipientID: "userA", Timestamp: at(3), Message: "a2"},
	}}

	got, err := New(src, logx.Nop()).Collect(context.Background(), since, since.Add(time.Hour), []string{"userA", "userB", "userC"})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(got["userA"]) != 2 || got["userA"][0].Message != "a1" || got["userA"][1].Message != "a2" {
		t.Fatalf("userA = %+v", got["userA"])
	}
	if len(got["userC"]) != 1 {
		t.Fatalf("userC = %+v", got["userC"])
	}
	if _, ok := got["userB"]; ok {
		t.Fatal("userB should be absent")
	}
}

func TestCollectDropsRowsOutsideFilter(t *testing.T) {
	t.Parallel()

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{rows: []Notification{
		{ID: 1, RecipientID: "userA", Timestamp: since, Message: "at cursor"},
		{ID: 2, RecipientID: "userA", Timestamp: since.Add(-time.Second), Message: "older"},
		{ID: 3, RecipientID: "userA", Timestamp: since.Add(time.Second), Seen: true, Message: "seen"},
		{ID: 4, RecipientID: "stranger", Timestamp: since.Add(time.Second), Message: "unknown recipient"},
		{ID: 5, RecipientID: "userA", Timestamp: since.Add(time.Second), Message: "ok"},
		{ID: 5, RecipientID: "userB", Timestamp: since.Add(time.Second), Message: "duplicate id"},
		{ID: 6, RecipientID: "userA", Timestamp: since.Add(2 * time.Hour), Message: "after until"},
	}}

	got, err := New(src, logx.Nop()).Collect(context.Background(), since, since.Add(time.Hour), []string{"userA", "userB"})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	total := 0
	for _, ns := range got {
		total += len(ns)
	}
	if total != 1 || got["userA"][0].Message != "ok" {
		t.Fatalf("Collect() = %+v, want only the fresh unseen row", got)
	}
}

func TestCollectEmptyRecipientsSkipsSource(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	got, err := New(src, logx.Nop()).Collect(context.Background(), time.Now(), time.Now(), nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("Collect() = %v, %v", got, err)
	}
	if src.calls != 0 {
		t.Fatalf("source queried %d times", src.calls)
	}
}

func TestCollectSourceError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	_, err := New(&fakeSource{err: boom}, logx.Nop()).Collect(context.Background(), time.Now(), time.Now(), []string{"u"})
	if !errors.Is(err, boom) {
		t.Fatalf("Collect() error = %v", err)
	}
}

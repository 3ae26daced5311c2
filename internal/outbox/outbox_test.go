package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

type recordedCall struct {
	meetingID string
	userID    string
	decision  string
}

type fakeDecider struct {
	calls   []recordedCall
	failFor map[string]error // keyed by meeting ID
}

func (d *fakeDecider) Decide(ctx context.Context, meetingID, userID, decision string) error {
	d.calls = append(d.calls, recordedCall{meetingID, userID, decision})
	if err, ok := d.failFor[meetingID]; ok {
		return err
	}
	return nil
}

type fakeWaker struct {
	tags []string
	err  error
}

func (w *fakeWaker) RequestWake(tag string) error {
	w.tags = append(w.tags, tag)
	return w.err
}

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outbox.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestEnqueueAndPending(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, ActionAccept, "m1", "bo")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("empty action id")
	}
	if _, err := s.Enqueue(ctx, "maybe", "m1", "bo"); err == nil {
		t.Fatal("want error for invalid kind")
	}
	if _, err := s.Enqueue(ctx, ActionAccept, "", "bo"); err == nil {
		t.Fatal("want error for empty meeting")
	}
	n, err := s.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
}

func TestReplayInEnqueueOrder(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for i, kind := range []string{ActionAccept, ActionReject, ActionAccept} {
		if _, err := s.Enqueue(ctx, kind, fmt.Sprintf("m%d", i+1), "bo"); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	d := &fakeDecider{}
	res, err := s.ReplayAll(ctx, d)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(res.Succeeded) != 3 || len(res.Failed) != 0 {
		t.Fatalf("result = %+v, want 3 succeeded", res)
	}
	want := []recordedCall{
		{"m1", "bo", "accepted"},
		{"m2", "bo", "rejected"},
		{"m3", "bo", "accepted"},
	}
	if len(d.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", d.calls, want)
	}
	for i := range want {
		if d.calls[i] != want[i] {
			t.Fatalf("call %d = %v, want %v", i, d.calls[i], want[i])
		}
	}
	n, err := s.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if n != 0 {
		t.Fatalf("pending = %d, want 0 after full replay", n)
	}
}

func TestReplayOrderSurvivesTimestampTrimming(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	// RFC 3339 drops trailing fractional zeros, so ".5" sorts after ".52"
	// as text. Order must not depend on the timestamp column.
	stamps := []time.Time{
		time.Date(2026, 3, 14, 10, 0, 0, 500000000, time.UTC),
		time.Date(2026, 3, 14, 10, 0, 0, 520000000, time.UTC),
	}
	i := 0
	s.Now = func() time.Time {
		ts := stamps[i]
		i++
		return ts
	}

	first, err := s.Enqueue(ctx, ActionAccept, "m-early", "bo")
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	second, err := s.Enqueue(ctx, ActionReject, "m-late", "bo")
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	actions, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(actions) != 2 || actions[0].ID != first || actions[1].ID != second {
		t.Fatalf("list order = %v, want [%s %s]", actions, first, second)
	}

	d := &fakeDecider{}
	if _, err := s.ReplayAll(ctx, d); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if d.calls[0].meetingID != "m-early" || d.calls[1].meetingID != "m-late" {
		t.Fatalf("replay order = %v, want m-early then m-late", d.calls)
	}
}

func TestReplayContinuesPastFailures(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	id1, _ := s.Enqueue(ctx, ActionAccept, "m1", "bo")
	id2, _ := s.Enqueue(ctx, ActionAccept, "m2", "bo")
	id3, _ := s.Enqueue(ctx, ActionReject, "m3", "bo")

	d := &fakeDecider{failFor: map[string]error{"m2": errors.New("server unreachable")}}
	res, err := s.ReplayAll(ctx, d)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(res.Succeeded) != 2 || len(res.Failed) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Failed[0] != id2 {
		t.Fatalf("failed = %v, want [%s]", res.Failed, id2)
	}
	if res.Succeeded[0] != id1 || res.Succeeded[1] != id3 {
		t.Fatalf("succeeded = %v, want [%s %s]", res.Succeeded, id1, id3)
	}
	// Failed action stays queued for the next attempt.
	actions, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(actions) != 1 || actions[0].ID != id2 {
		t.Fatalf("remaining = %v, want only %s", actions, id2)
	}

	// Next replay with a healthy server drains it.
	d2 := &fakeDecider{}
	res, err = s.ReplayAll(ctx, d2)
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if len(res.Succeeded) != 1 || res.Succeeded[0] != id2 {
		t.Fatalf("second result = %+v", res)
	}
}

func TestDurabilityAcrossReopen(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, ActionAccept, "m1", "bo")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	actions, err := reopened.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(actions) != 1 || actions[0].ID != id {
		t.Fatalf("actions after reopen = %v, want [%s]", actions, id)
	}
}

func TestClearAll(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, ActionAccept, "m1", "bo"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.CacheMeetings(ctx, `[{"id":"m1"}]`); err != nil {
		t.Fatalf("cache: %v", err)
	}
	if err := s.ClearAll(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	n, err := s.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
	if _, _, ok, err := s.CachedMeetings(ctx); err != nil || ok {
		t.Fatalf("cached = %v ok=%v, want cleared", err, ok)
	}
}

func TestReadCacheRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if _, _, ok, err := s.CachedMeetings(ctx); err != nil || ok {
		t.Fatalf("empty cache = ok=%v err=%v", ok, err)
	}
	if err := s.CacheMeetings(ctx, `[{"id":"m1"}]`); err != nil {
		t.Fatalf("cache: %v", err)
	}
	if err := s.CacheMeetings(ctx, `[{"id":"m1"},{"id":"m2"}]`); err != nil {
		t.Fatalf("recache: %v", err)
	}
	payload, updatedAt, ok, err := s.CachedMeetings(ctx)
	if err != nil || !ok {
		t.Fatalf("cached: ok=%v err=%v", ok, err)
	}
	if payload != `[{"id":"m1"},{"id":"m2"}]` {
		t.Fatalf("payload = %s", payload)
	}
	if updatedAt == "" {
		t.Fatal("missing updated_at")
	}
}

func TestWakerIsBestEffort(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	w := &fakeWaker{err: errors.New("platform does not support wake")}
	s.Waker = w
	if _, err := s.Enqueue(ctx, ActionAccept, "m1", "bo"); err != nil {
		t.Fatalf("enqueue with failing waker: %v", err)
	}
	if len(w.tags) != 1 {
		t.Fatalf("wake requests = %d, want 1", len(w.tags))
	}
	n, err := s.Pending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("pending = %d err=%v, want action kept", n, err)
	}
}

package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/change"
	"github.com/vibestack/syncd/pkg/lsn"
)

type captureSink struct {
	mu       sync.Mutex
	batches  []Batch
	delay    time.Duration
	blocked  chan struct{}
	slowOnce sync.Once
	slow     chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{slow: make(chan struct{})}
}

func (s *captureSink) Deliver(ctx context.Context, b Batch) error {
	if s.blocked != nil {
		select {
		case <-s.blocked:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.batches = append(s.batches, b)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) CloseSlow() {
	s.slowOnce.Do(func() { close(s.slow) })
}

func (s *captureSink) snapshot() []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Batch, len(s.batches))
	copy(out, s.batches)
	return out
}

func (s *captureSink) waitFor(t *testing.T, n int) []Batch {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := s.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d batches, have %d", n, len(s.snapshot()))
	return nil
}

func testBroadcaster(t *testing.T, opts Options) *Broadcaster {
	t.Helper()
	if opts.QueueDepth == 0 {
		opts.QueueDepth = 16
	}
	if opts.StallTimeout == 0 {
		opts.StallTimeout = time.Second
	}
	b := New(opts, zerolog.Nop())
	t.Cleanup(b.Close)
	return b
}

func changesAt(lsns ...string) []change.Change {
	out := make([]change.Change, len(lsns))
	for i, l := range lsns {
		out[i] = change.Change{
			Table: "tasks",
			Op:    change.OpUpdate,
			Data:  map[string]any{"id": "t1"},
			LSN:   lsn.MustParse(l),
		}
	}
	return out
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := testBroadcaster(t, Options{})
	sink := newCaptureSink()
	b.Subscribe("s1", lsn.Zero, sink)

	b.Publish(changesAt("0/10"))
	b.Publish(changesAt("0/20", "0/21"))
	b.Publish(changesAt("0/30"))

	got := sink.waitFor(t, 3)
	want := []string{"0/10", "0/21", "0/30"}
	for i, w := range want {
		if got[i].LastLSN != lsn.MustParse(w) {
			t.Errorf("batch %d lastLSN = %s, want %s", i, got[i].LastLSN, w)
		}
	}
}

func TestPublishSkipsAtOrBelowCursor(t *testing.T) {
	b := testBroadcaster(t, Options{})
	sink := newCaptureSink()
	b.Subscribe("s1", lsn.MustParse("0/20"), sink)

	b.Publish(changesAt("0/10")) // below cursor entirely
	b.Publish(changesAt("0/20")) // equal: already seen
	b.Publish(changesAt("0/15", "0/25"))

	got := sink.waitFor(t, 1)
	if len(got) != 1 {
		t.Fatalf("batches = %d, want 1", len(got))
	}
	if len(got[0].Changes) != 1 || got[0].Changes[0].LSN != lsn.MustParse("0/25") {
		t.Errorf("cursor-covered changes should be trimmed: %+v", got[0])
	}
}

func TestPerSessionMonotonicity(t *testing.T) {
	b := testBroadcaster(t, Options{})
	sink := newCaptureSink()
	b.Subscribe("s1", lsn.Zero, sink)

	for _, l := range []string{"0/1", "0/2", "0/3", "0/4", "0/5"} {
		b.Publish(changesAt(l))
	}

	got := sink.waitFor(t, 5)
	prev := lsn.Zero
	for i, batch := range got {
		if lsn.Compare(batch.LastLSN, prev) <= 0 {
			t.Errorf("batch %d lastLSN %s not strictly ascending after %s", i, batch.LastLSN, prev)
		}
		prev = batch.LastLSN
	}
}

func TestSlowConsumerIsolation(t *testing.T) {
	b := testBroadcaster(t, Options{QueueDepth: 4, StallTimeout: 50 * time.Millisecond})

	stalled := newCaptureSink()
	stalled.blocked = make(chan struct{}) // never closed: deliveries hang
	healthy := newCaptureSink()

	b.Subscribe("stalled", lsn.Zero, stalled)
	b.Subscribe("healthy", lsn.Zero, healthy)

	for _, l := range []string{"0/1", "0/2", "0/3", "0/4", "0/5", "0/6"} {
		b.Publish(changesAt(l))
	}

	// Healthy session receives everything in order.
	got := healthy.waitFor(t, 6)
	if got[5].LastLSN != lsn.MustParse("0/6") {
		t.Errorf("healthy session fell behind: %s", got[5].LastLSN)
	}

	// Stalled session is closed as a slow consumer.
	select {
	case <-stalled.slow:
	case <-time.After(2 * time.Second):
		t.Fatal("slow consumer was never closed")
	}
	if b.SubscriberCount() != 1 {
		t.Errorf("subscribers = %d, want 1 after slow close", b.SubscriberCount())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := testBroadcaster(t, Options{})
	sink := newCaptureSink()
	b.Subscribe("s1", lsn.Zero, sink)

	b.Publish(changesAt("0/1"))
	sink.waitFor(t, 1)

	b.Unsubscribe("s1")
	b.Publish(changesAt("0/2"))

	time.Sleep(50 * time.Millisecond)
	if got := sink.snapshot(); len(got) != 1 {
		t.Errorf("batches after unsubscribe = %d, want 1", len(got))
	}
}

func TestResubscribeReplacesPriorSubscription(t *testing.T) {
	b := testBroadcaster(t, Options{})
	first := newCaptureSink()
	second := newCaptureSink()

	b.Subscribe("s1", lsn.Zero, first)
	b.Subscribe("s1", lsn.Zero, second)

	b.Publish(changesAt("0/1"))
	second.waitFor(t, 1)

	if b.SubscriberCount() != 1 {
		t.Errorf("subscribers = %d, want 1", b.SubscriberCount())
	}
	if len(first.snapshot()) != 0 {
		t.Error("replaced subscription should not receive batches")
	}
}

func TestPublishEmptyIsNoop(t *testing.T) {
	b := testBroadcaster(t, Options{})
	sink := newCaptureSink()
	b.Subscribe("s1", lsn.Zero, sink)
	b.Publish(nil)
	time.Sleep(20 * time.Millisecond)
	if len(sink.snapshot()) != 0 {
		t.Error("empty publish should deliver nothing")
	}
}

package events

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/platform/websocket"
)

type recordingSink struct {
	mu     sync.Mutex
	events []websocket.Event
	delay  time.Duration
	err    error
}

func (s *recordingSink) Publish(_ context.Context, ev websocket.Event) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func newTestDispatcher(t *testing.T, opts Options, sinks ...Sink) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(opts, zerolog.Nop(), sinks...)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return d
}

func TestDispatcher_FanOutPreservesOrder(t *testing.T) {
	fast := &recordingSink{}
	slow := &recordingSink{delay: time.Millisecond}
	d := newTestDispatcher(t, Options{Workers: 4}, Sink{"fast", fast}, Sink{"slow", slow})

	var want []string
	for i := 0; i < 20; i++ {
		ty := fmt.Sprintf("entry.%d", i)
		want = append(want, ty)
		if err := d.Publish(context.Background(), websocket.Event{Type: ty, Topic: "queue"}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for name, sink := range map[string]*recordingSink{"fast": fast, "slow": slow} {
		got := sink.types()
		if len(got) != len(want) {
			t.Fatalf("%s: expected %d events, got %d", name, len(want), len(got))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s: event %d out of order: %s", name, i, got[i])
			}
		}
	}
}

func TestDispatcher_FailingSinkDoesNotStopOthers(t *testing.T) {
	broken := &recordingSink{err: errors.New("redis down")}
	ok := &recordingSink{}
	d := newTestDispatcher(t, Options{Workers: 2}, Sink{"redis", broken}, Sink{"hub", ok})

	for i := 0; i < 3; i++ {
		_ = d.Publish(context.Background(), websocket.Event{Type: "entry.enqueued"})
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(ok.types()) != 3 {
		t.Errorf("expected healthy sink to receive 3 events, got %d", len(ok.types()))
	}
}

func TestDispatcher_PublishAfterClose(t *testing.T) {
	d := newTestDispatcher(t, Options{})
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Publish(context.Background(), websocket.Event{Type: "entry.enqueued"}); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("expected ErrDispatcherClosed, got %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestDispatcher_FullQueueDropsWithoutBlocking(t *testing.T) {
	gate := make(chan struct{})
	blocking := &gatedSink{gate: gate}
	d := newTestDispatcher(t, Options{Workers: 1, Buffer: 1}, Sink{"gated", blocking})

	// first event is picked up by the pump and blocks in the sink,
	// second fills the buffer, third is dropped
	_ = d.Publish(context.Background(), websocket.Event{Type: "a"})
	waitUntil(t, func() bool { return blocking.started() })
	if err := d.Publish(context.Background(), websocket.Event{Type: "b"}); err != nil {
		t.Fatalf("expected buffered publish to succeed, got %v", err)
	}
	if err := d.Publish(context.Background(), websocket.Event{Type: "c"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	close(gate)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDispatcher_CloseHonoursContext(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	d := newTestDispatcher(t, Options{Workers: 1}, Sink{"gated", &gatedSink{gate: gate}})
	_ = d.Publish(context.Background(), websocket.Event{Type: "a"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

type gatedSink struct {
	mu   sync.Mutex
	seen bool
	gate chan struct{}
}

func (s *gatedSink) Publish(_ context.Context, _ websocket.Event) error {
	s.mu.Lock()
	s.seen = true
	s.mu.Unlock()
	<-s.gate
	return nil
}

func (s *gatedSink) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcher_DeliversToHub(t *testing.T) {
	hub := websocket.NewHub(zerolog.Nop())
	board := &websocket.Client{ID: "board", Topics: []string{"queue"}, Send: make(chan []byte, 8)}
	hub.Register(board)
	d := newTestDispatcher(t, Options{}, Sink{"websocket", hub})

	_ = d.Publish(context.Background(), websocket.Event{Type: "entry.dispatched", Topic: "queue"})
	_ = d.Close(context.Background())

	select {
	case <-board.Send:
	case <-time.After(time.Second):
		t.Fatal("hub subscriber did not receive the event")
	}
}

func TestDecodeEvent(t *testing.T) {
	ev, err := decodeEvent(`{"type":"entry.overdue","topic":"queue","resourceType":"QueueEntry","resourceId":"e-1"}`)
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if ev.Type != "entry.overdue" || ev.ResourceID != "e-1" {
		t.Errorf("unexpected event %+v", ev)
	}
	for _, bad := range []string{`not json`, `{}`, `{"topic":"queue"}`} {
		if _, err := decodeEvent(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestNewRedisClient_BadURL(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), "http://not-redis"); err == nil {
		t.Fatal("expected error for a non-redis url")
	}
}

// TestRedisSink_RoundTrip runs against a real server when TEST_REDIS_URL is set.
func TestRedisSink_RoundTrip(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := NewRedisClient(ctx, url)
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	defer client.Close()

	channel := fmt.Sprintf("triage:test:%d", time.Now().UnixNano())
	events, err := Subscribe(ctx, client, channel, zerolog.Nop())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := NewRedisSink(client, channel).Publish(ctx, websocket.Event{Type: "entry.enqueued", Topic: "queue"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Type != "entry.enqueued" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}

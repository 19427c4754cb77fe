// Package events fans queue events out to the websocket hub and, when
// configured, Redis pub/sub.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/platform/websocket"
)

var (
	ErrDispatcherClosed = errors.New("event dispatcher closed")
	ErrQueueFull        = errors.New("event queue full")
)

// Sink is one named destination for events.
type Sink struct {
	Name      string
	Publisher websocket.EventPublisher
}

// Dispatcher accepts events without blocking the caller and delivers them
// to every sink. Events reach each sink in publish order; sinks are served
// in parallel on an ants pool.
type Dispatcher struct {
	pool    *ants.Pool
	sinks   []Sink
	queue   chan websocket.Event
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type Options struct {
	Workers int
	Buffer  int
	// Timeout bounds each sink delivery.
	Timeout time.Duration
}

func NewDispatcher(opts Options, logger zerolog.Logger, sinks ...Sink) (*Dispatcher, error) {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	pool, err := ants.NewPool(opts.Workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		pool:    pool,
		sinks:   sinks,
		queue:   make(chan websocket.Event, opts.Buffer),
		timeout: opts.Timeout,
		logger:  logger.With().Str("component", "events").Logger(),
		done:    make(chan struct{}),
	}
	go d.run()
	return d, nil
}

// Publish implements websocket.EventPublisher. It only enqueues.
func (d *Dispatcher) Publish(_ context.Context, ev websocket.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- ev:
		return nil
	default:
		d.logger.Warn().Str("type", ev.Type).Str("resource_id", ev.ResourceID).Msg("event queue full, dropping event")
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		d.deliver(ev)
	}
}

// deliver hands ev to every sink and waits for all of them, so the next
// event never overtakes this one at any sink.
func (d *Dispatcher) deliver(ev websocket.Event) {
	var wg sync.WaitGroup
	for _, s := range d.sinks {
		s := s
		wg.Add(1)
		task := func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := s.Publisher.Publish(ctx, ev); err != nil {
				d.logger.Error().Err(err).Str("sink", s.Name).Str("type", ev.Type).Msg("deliver event")
			}
		}
		if err := d.pool.Submit(task); err != nil {
			// pool saturated or released: deliver inline
			task()
		}
	}
	wg.Wait()
}

// Close stops accepting events, drains what is queued and releases the
// pool. It returns ctx.Err() if draining outlives ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	defer d.pool.Release()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns how many sink deliveries are in flight.
func (d *Dispatcher) Running() int { return d.pool.Running() }

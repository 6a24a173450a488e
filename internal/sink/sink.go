// Package sink decouples frame decoding from the consumers of readings.
//
// A Sink has one durable path, a bounded queue drained by a single consumer
// (the storage writer), and any number of advisory subscribers (live feeds).
// Push blocks while the durable queue is full so that no decoded reading is
// lost on the way to storage. Advisory subscribers never block Push: a full
// subscriber buffer drops the reading for that subscriber only.
package sink

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/shaunagostinho/sensorlink/internal/metrics"
	"github.com/shaunagostinho/sensorlink/internal/wire"
)

// DefaultCapacity of the durable queue.
const DefaultCapacity = 256

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("sink closed")

type subscriber struct {
	name    string
	ch      chan wire.Reading
	dropped atomic.Uint64
}

// Sink is safe for concurrent use by many producers.
type Sink struct {
	queue   chan wire.Reading
	done    chan struct{}
	once    sync.Once
	metrics *metrics.Metrics

	subsMu sync.RWMutex
	subs   []*subscriber

	retry *backoff.Backoff

	pushed    atomic.Uint64
	delivered atomic.Uint64
	retries   atomic.Uint64
}

// New creates a Sink whose durable queue holds capacity readings.
// capacity <= 0 selects DefaultCapacity. m may be nil.
func New(capacity int, m *metrics.Metrics) *Sink {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Sink{
		queue:   make(chan wire.Reading, capacity),
		done:    make(chan struct{}),
		metrics: m,
		retry:   &backoff.Backoff{Min: 100 * time.Millisecond, Max: 5 * time.Second, Factor: 2},
	}
}

// SetRetry sets the delay bounds between failed deliveries. Call it before
// Drain.
func (s *Sink) SetRetry(delay, maxDelay time.Duration) {
	s.retry = &backoff.Backoff{Min: delay, Max: maxDelay, Factor: 2}
}

// Subscribe registers an advisory consumer with its own buffer.
// The returned channel is closed when the subscription is cancelled or the
// sink drained after Close.
func (s *Sink) Subscribe(name string, buffer int) (<-chan wire.Reading, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{name: name, ch: make(chan wire.Reading, buffer)}

	s.subsMu.Lock()
	s.subs = append(s.subs, sub)
	s.subsMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { s.unsubscribe(sub) })
	}
	return sub.ch, cancel
}

func (s *Sink) unsubscribe(sub *subscriber) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for i, x := range s.subs {
		if x == sub {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Push hands r to every subscriber, then enqueues it on the durable path,
// waiting for room if the queue is full. It returns ctx.Err() or ErrClosed
// if the reading could not be enqueued.
func (s *Sink) Push(ctx context.Context, r wire.Reading) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	s.fanOut(r)

	select {
	case s.queue <- r:
		s.pushed.Add(1)
		s.metrics.Depth(len(s.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *Sink) fanOut(r wire.Reading) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for _, sub := range s.subs {
		select {
		case sub.ch <- r:
		default:
			if sub.dropped.Add(1) == 1 {
				log.Printf("[sink] feed %q is too slow, dropping readings", sub.name)
			}
			s.metrics.Dropped(sub.name)
		}
	}
}

// Drain delivers queued readings to fn in push order until ctx is done or
// the sink is closed and empty. It must have a single caller. A failed
// delivery is retried with backoff until fn succeeds or ctx is done; the
// queue is not consumed meanwhile, so producers feel the backpressure.
func (s *Sink) Drain(ctx context.Context, fn func(context.Context, wire.Reading) error) error {
	defer func() {
		// subscribers end with the sink, even if delivery was abandoned
		select {
		case <-s.done:
			s.closeSubscribers()
		default:
		}
	}()
	for {
		select {
		case r := <-s.queue:
			if err := s.deliver(ctx, fn, r); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			for {
				select {
				case r := <-s.queue:
					if err := s.deliver(ctx, fn, r); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}

func (s *Sink) deliver(ctx context.Context, fn func(context.Context, wire.Reading) error, r wire.Reading) error {
	s.metrics.Depth(len(s.queue))
	s.retry.Reset()
	for attempt := 1; ; attempt++ {
		err := fn(ctx, r)
		if err == nil {
			if attempt > 1 {
				log.Printf("[sink] consumer recovered after %d attempts", attempt)
			}
			s.delivered.Add(1)
			return nil
		}
		s.retries.Add(1)
		delay := s.retry.Duration()
		if attempt == 1 || attempt%10 == 0 {
			log.Printf("[sink] consumer failed for device %d at %.3f (attempt %d): %v; retrying in %v",
				r.DeviceID, r.Timestamp, attempt, err, delay)
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			log.Printf("[sink] giving up on device %d at %.3f with %d readings queued: %v",
				r.DeviceID, r.Timestamp, len(s.queue), ctx.Err())
			return ctx.Err()
		}
	}
}

func (s *Sink) closeSubscribers() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, sub := range s.subs {
		close(sub.ch)
	}
	s.subs = nil
}

// Close stops accepting readings. Drain returns once the queue is empty.
func (s *Sink) Close() {
	s.once.Do(func() { close(s.done) })
}

// Stats is a point-in-time view of the sink counters.
type Stats struct {
	Capacity  int               `json:"capacity"`
	Depth     int               `json:"depth"`
	Pushed    uint64            `json:"pushed"`
	Delivered uint64            `json:"delivered"`
	Retries   uint64            `json:"retries"`
	Dropped   map[string]uint64 `json:"dropped"`
}

func (s *Sink) Stats() Stats {
	st := Stats{
		Capacity:  cap(s.queue),
		Depth:     len(s.queue),
		Pushed:    s.pushed.Load(),
		Delivered: s.delivered.Load(),
		Retries:   s.retries.Load(),
		Dropped:   make(map[string]uint64),
	}
	s.subsMu.RLock()
	for _, sub := range s.subs {
		st.Dropped[sub.name] += sub.dropped.Load()
	}
	s.subsMu.RUnlock()
	return st
}

package adam

/*
This file contains the in-process pipeline bus: best-effort fan-out of
readings and health events to bounded per-subscriber buffers.

The two topics overflow differently. Readings prefer freshness, so a slow
subscriber loses the oldest buffered reading and the drop is counted. Health
is a state stream, so a slow subscriber coalesces to the latest event per
device and never blocks a publisher. Per-device FIFO order holds on both
topics because each device has exactly one publishing goroutine and publishes
run under the bus lock.
*/

import (
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 256

// ReadingSubscription is one consumer's view of the reading stream. C is
// closed when the subscription or the service shuts down.
type ReadingSubscription struct {
	bus     *readingBus
	ch      chan Reading
	dropped atomic.Uint64
}

// C returns the reading channel.
func (s *ReadingSubscription) C() <-chan Reading { return s.ch }

// Dropped returns how many readings this subscriber lost to overflow.
func (s *ReadingSubscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription and closes its channel.
func (s *ReadingSubscription) Close() { s.bus.unsubscribe(s) }

type readingBus struct {
	mu     sync.Mutex
	subs   map[*ReadingSubscription]struct{}
	closed bool
	// onDrop is invoked under the bus lock with the number of readings
	// dropped in one publish; the service points it at a metric.
	onDrop func(n int)
}

func newReadingBus(onDrop func(int)) *readingBus {
	return &readingBus{subs: map[*ReadingSubscription]struct{}{}, onDrop: onDrop}
}

func (b *readingBus) subscribe(buffer int) *ReadingSubscription {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	s := &ReadingSubscription{bus: b, ch: make(chan Reading, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

func (b *readingBus) unsubscribe(s *ReadingSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// publish fans out one reading without ever blocking: a full subscriber
// buffer sheds its oldest element first.
func (b *readingBus) publish(r Reading) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		for {
			select {
			case s.ch <- r:
			default:
				select {
				case <-s.ch:
					s.dropped.Add(1)
					if b.onDrop != nil {
						b.onDrop(1)
					}
				default:
				}
				continue
			}
			break
		}
	}
}

// close shuts the bus; every subscriber channel is closed and later publishes
// are discarded.
func (b *readingBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}

// HealthSubscription is one consumer's view of the health stream. While the
// consumer is slow, events coalesce so only the latest per device is
// retained.
type HealthSubscription struct {
	bus *healthBus
	out chan DeviceHealth

	mu      sync.Mutex
	pending map[string]DeviceHealth
	order   []string

	wake chan struct{}
	quit chan struct{}
	stop sync.Once
}

// C returns the health channel.
func (s *HealthSubscription) C() <-chan DeviceHealth { return s.out }

// Close detaches the subscription; the channel closes once the pump exits.
func (s *HealthSubscription) Close() {
	s.bus.unsubscribe(s)
	s.stop.Do(func() { close(s.quit) })
}

func (s *HealthSubscription) offer(h DeviceHealth) {
	s.mu.Lock()
	if _, queued := s.pending[h.DeviceID]; !queued {
		s.order = append(s.order, h.DeviceID)
	}
	s.pending[h.DeviceID] = h
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *HealthSubscription) take() (DeviceHealth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return DeviceHealth{}, false
	}
	id := s.order[0]
	s.order = s.order[1:]
	h := s.pending[id]
	delete(s.pending, id)
	return h, true
}

// pump moves coalesced events to the consumer channel. Runs on its own
// goroutine per subscription.
func (s *HealthSubscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
			for {
				h, ok := s.take()
				if !ok {
					break
				}
				select {
				case s.out <- h:
				case <-s.quit:
					return
				}
			}
		}
	}
}

type healthBus struct {
	mu     sync.Mutex
	subs   map[*HealthSubscription]struct{}
	closed bool
}

func newHealthBus() *healthBus {
	return &healthBus{subs: map[*HealthSubscription]struct{}{}}
}

func (b *healthBus) subscribe(buffer int) *HealthSubscription {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	s := &HealthSubscription{
		bus:     b,
		out:     make(chan DeviceHealth, buffer),
		pending: map[string]DeviceHealth{},
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.out)
		return s
	}
	b.subs[s] = struct{}{}
	go s.pump()
	return s
}

func (b *healthBus) unsubscribe(s *HealthSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

func (b *healthBus) publish(h DeviceHealth) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		s.offer(h)
	}
}

func (b *healthBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		s.stop.Do(func() { close(s.quit) })
	}
}

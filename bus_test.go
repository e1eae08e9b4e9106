package adam

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvReading(t *testing.T, sub *ReadingSubscription) Reading {
	t.Helper()
	select {
	case r, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reading within deadline")
		return Reading{}
	}
}

func recvHealth(t *testing.T, sub *HealthSubscription) DeviceHealth {
	t.Helper()
	select {
	case h, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("no health event within deadline")
		return DeviceHealth{}
	}
}

func TestReadingBusFanOut(t *testing.T) {
	bus := newReadingBus(nil)
	a := bus.subscribe(4)
	b := bus.subscribe(4)

	bus.publish(Reading{DeviceID: "d", Channel: 7})
	assert.Equal(t, 7, recvReading(t, a).Channel)
	assert.Equal(t, 7, recvReading(t, b).Channel)
}

func TestReadingBusFIFO(t *testing.T) {
	bus := newReadingBus(nil)
	sub := bus.subscribe(8)
	for i := 0; i < 5; i++ {
		bus.publish(Reading{Channel: i})
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, recvReading(t, sub).Channel)
	}
}

func TestReadingBusDropsOldestOnOverflow(t *testing.T) {
	var dropped int
	bus := newReadingBus(func(n int) { dropped += n })
	sub := bus.subscribe(2)

	bus.publish(Reading{Channel: 1})
	bus.publish(Reading{Channel: 2})
	bus.publish(Reading{Channel: 3}) // evicts channel 1

	assert.Equal(t, 2, recvReading(t, sub).Channel)
	assert.Equal(t, 3, recvReading(t, sub).Channel)
	assert.Equal(t, uint64(1), sub.Dropped())
	assert.Equal(t, 1, dropped)
}

func TestReadingBusSlowSubscriberDoesNotStallOthers(t *testing.T) {
	bus := newReadingBus(nil)
	slow := bus.subscribe(1)
	fast := bus.subscribe(16)

	for i := 0; i < 10; i++ {
		bus.publish(Reading{Channel: i})
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, i, recvReading(t, fast).Channel)
	}
	assert.Equal(t, 9, recvReading(t, slow).Channel, "slow subscriber keeps only the freshest")
	assert.Equal(t, uint64(9), slow.Dropped())
}

func TestReadingBusClose(t *testing.T) {
	bus := newReadingBus(nil)
	sub := bus.subscribe(2)
	bus.publish(Reading{Channel: 1})
	bus.close()
	bus.close() // idempotent
	bus.publish(Reading{Channel: 2})

	assert.Equal(t, 1, recvReading(t, sub).Channel, "buffered readings drain after close")
	_, ok := <-sub.C()
	assert.False(t, ok)

	late := bus.subscribe(2)
	_, ok = <-late.C()
	assert.False(t, ok, "subscribing after close yields a closed channel")
}

func TestReadingSubscriptionClose(t *testing.T) {
	bus := newReadingBus(nil)
	sub := bus.subscribe(2)
	other := bus.subscribe(2)

	sub.Close()
	sub.Close() // idempotent
	_, ok := <-sub.C()
	assert.False(t, ok)

	bus.publish(Reading{Channel: 5})
	assert.Equal(t, 5, recvReading(t, other).Channel, "remaining subscribers unaffected")
}

func health(dev string, status DeviceStatus) DeviceHealth {
	return DeviceHealth{DeviceID: dev, Status: status}
}

func pendingCount(s *HealthSubscription) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func TestHealthBusDeliversInOrder(t *testing.T) {
	bus := newHealthBus()
	defer bus.close()
	sub := bus.subscribe(16)

	bus.publish(health("a", StatusOnline))
	bus.publish(health("b", StatusWarning))
	bus.publish(health("c", StatusError))

	assert.Equal(t, "a", recvHealth(t, sub).DeviceID)
	assert.Equal(t, "b", recvHealth(t, sub).DeviceID)
	assert.Equal(t, "c", recvHealth(t, sub).DeviceID)
}

func TestHealthBusCoalescesPerDevice(t *testing.T) {
	bus := newHealthBus()
	defer bus.close()
	sub := bus.subscribe(1)

	// First event lands in the consumer buffer.
	bus.publish(health("a", StatusOnline))
	require.Eventually(t, func() bool {
		return len(sub.out) == 1 && pendingCount(sub) == 0
	}, 2*time.Second, time.Millisecond)

	// Second event is taken by the pump, which now blocks on the full buffer.
	bus.publish(health("a", StatusWarning))
	require.Eventually(t, func() bool { return pendingCount(sub) == 0 }, 2*time.Second, time.Millisecond)

	// Further events pile up behind the blocked pump and coalesce.
	bus.publish(health("a", StatusError))
	bus.publish(health("a", StatusOffline))
	require.Eventually(t, func() bool { return pendingCount(sub) == 1 }, 2*time.Second, time.Millisecond)

	assert.Equal(t, StatusOnline, recvHealth(t, sub).Status)
	assert.Equal(t, StatusWarning, recvHealth(t, sub).Status)
	assert.Equal(t, StatusOffline, recvHealth(t, sub).Status, "intermediate state was coalesced away")

	select {
	case h := <-sub.C():
		t.Fatalf("unexpected extra event %+v", h)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHealthBusCoalescingKeepsOtherDevices(t *testing.T) {
	bus := newHealthBus()
	defer bus.close()
	sub := bus.subscribe(1)

	bus.publish(health("a", StatusOnline))
	require.Eventually(t, func() bool {
		return len(sub.out) == 1 && pendingCount(sub) == 0
	}, 2*time.Second, time.Millisecond)
	bus.publish(health("a", StatusWarning))
	require.Eventually(t, func() bool { return pendingCount(sub) == 0 }, 2*time.Second, time.Millisecond)

	// Device b's event queues while a's updates coalesce; b is not lost.
	bus.publish(health("b", StatusOnline))
	bus.publish(health("a", StatusError))
	bus.publish(health("a", StatusOffline))
	require.Eventually(t, func() bool { return pendingCount(sub) == 2 }, 2*time.Second, time.Millisecond)

	assert.Equal(t, "a", recvHealth(t, sub).DeviceID)
	assert.Equal(t, "a", recvHealth(t, sub).DeviceID)
	got := recvHealth(t, sub)
	assert.Equal(t, "b", got.DeviceID)
	assert.Equal(t, StatusOnline, got.Status)
	final := recvHealth(t, sub)
	assert.Equal(t, "a", final.DeviceID)
	assert.Equal(t, StatusOffline, final.Status)
}

func TestHealthBusClose(t *testing.T) {
	bus := newHealthBus()
	sub := bus.subscribe(4)
	bus.close()
	bus.close()

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}

	bus.publish(health("a", StatusOnline)) // discarded, no panic

	late := bus.subscribe(4)
	_, ok := <-late.C()
	assert.False(t, ok)
}

func TestHealthSubscriptionClose(t *testing.T) {
	bus := newHealthBus()
	defer bus.close()
	sub := bus.subscribe(4)
	other := bus.subscribe(4)

	sub.Close()
	sub.Close()
	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}

	bus.publish(health("x", StatusOnline))
	assert.Equal(t, "x", recvHealth(t, other).DeviceID)
}

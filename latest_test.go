package adam

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestCacheStoreGet(t *testing.T) {
	c := newLatestCache()

	_, ok := c.get("d", 0)
	assert.False(t, ok)

	c.store(Reading{DeviceID: "d", Channel: 0, RawValue: 1})
	c.store(Reading{DeviceID: "d", Channel: 1, RawValue: 2})
	c.store(Reading{DeviceID: "d", Channel: 0, RawValue: 3}) // replaces

	r, ok := c.get("d", 0)
	require.True(t, ok)
	assert.Equal(t, int64(3), r.RawValue)

	r, ok = c.get("d", 1)
	require.True(t, ok)
	assert.Equal(t, int64(2), r.RawValue)

	_, ok = c.get("other", 0)
	assert.False(t, ok)
}

func TestLatestCacheFollowsSubscription(t *testing.T) {
	bus := newReadingBus(nil)
	c := newLatestCache()
	sub := bus.subscribe(8)

	done := make(chan struct{})
	go func() {
		c.run(sub)
		close(done)
	}()

	bus.publish(Reading{DeviceID: "d", Channel: 2, RawValue: 42})
	require.Eventually(t, func() bool {
		r, ok := c.get("d", 2)
		return ok && r.RawValue == 42
	}, 2*time.Second, time.Millisecond)

	bus.close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cache consumer did not stop when the bus closed")
	}
}

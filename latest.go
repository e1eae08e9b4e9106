package adam

import "sync"

type latestKey struct {
	device  string
	channel int
}

// latestCache keeps the most recent reading per (device, channel). It is fed
// from an internal bus subscription so it observes exactly what external
// subscribers observe.
type latestCache struct {
	mu    sync.RWMutex
	byKey map[latestKey]Reading
}

func newLatestCache() *latestCache {
	return &latestCache{byKey: map[latestKey]Reading{}}
}

func (c *latestCache) store(r Reading) {
	c.mu.Lock()
	c.byKey[latestKey{r.DeviceID, r.Channel}] = r
	c.mu.Unlock()
}

func (c *latestCache) get(device string, channel int) (Reading, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byKey[latestKey{device, channel}]
	return r, ok
}

// run consumes the subscription until the bus closes it.
func (c *latestCache) run(sub *ReadingSubscription) {
	for r := range sub.C() {
		c.store(r)
	}
}

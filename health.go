package adam

/*
This file contains the per-device health monitor. The poller reports
connection changes and read outcomes; the monitor derives the operator-facing
status, publishes a health event on every transition, and heartbeats the
current snapshot on a fixed interval.

Status derivation:

	never reported anything                  -> Unknown
	disconnected for a full heartbeat window -> Offline
	consecutive failures >= retry limit      -> Error
	consecutive failures > 0, or reconnecting -> Warning
	otherwise                                 -> Online

A disconnect alone is not Offline: the poller reconnects every tick, so the
monitor waits a full heartbeat interval without recovery before declaring the
device gone.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// latencyAlpha is the EWMA weight for new latency samples.
const latencyAlpha = 0.2

type healthMonitor struct {
	deviceID   string
	protocol   string
	maxRetries int
	interval   time.Duration
	clk        clock.Clock
	bus        *healthBus
	log        *zap.Logger

	mu                  sync.Mutex
	reported            bool
	connected           bool
	disconnectedAt      time.Time
	consecutiveFailures int
	lastError           string
	totalReads          uint64
	successfulReads     uint64
	lastSuccess         time.Time
	avgLatencyMillis    *float64
	lastStatus          DeviceStatus
}

func newHealthMonitor(dev *DeviceConfig, protocol string, interval time.Duration, clk clock.Clock, bus *healthBus, log *zap.Logger) *healthMonitor {
	return &healthMonitor{
		deviceID:       dev.DeviceID,
		protocol:       protocol,
		maxRetries:     dev.MaxRetryAttempts,
		interval:       interval,
		clk:            clk,
		bus:            bus,
		log:            log,
		disconnectedAt: clk.Now(),
		lastStatus:     StatusUnknown,
	}
}

// run heartbeats the current snapshot until the context ends.
func (m *healthMonitor) run(ctx context.Context) error {
	t := m.clk.Ticker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.publish()
		}
	}
}

// reportConnected records a connection state change.
func (m *healthMonitor) reportConnected(connected bool) {
	m.mu.Lock()
	m.reported = true
	if m.connected != connected {
		m.connected = connected
		if connected {
			m.disconnectedAt = time.Time{}
		} else {
			m.disconnectedAt = m.clk.Now()
		}
	}
	m.publishIfChangedLocked()
}

// reportSuccess records one successful channel read and its latency.
func (m *healthMonitor) reportSuccess(latency time.Duration) {
	m.mu.Lock()
	m.reported = true
	m.connected = true
	m.disconnectedAt = time.Time{}
	m.totalReads++
	m.successfulReads++
	m.consecutiveFailures = 0
	m.lastSuccess = m.clk.Now()
	ms := float64(latency) / float64(time.Millisecond)
	if m.avgLatencyMillis == nil {
		m.avgLatencyMillis = &ms
	} else {
		ewma := latencyAlpha*ms + (1-latencyAlpha)**m.avgLatencyMillis
		m.avgLatencyMillis = &ewma
	}
	m.publishIfChangedLocked()
}

// reportFailure records one failed channel read.
func (m *healthMonitor) reportFailure(err error) {
	m.mu.Lock()
	m.reported = true
	m.totalReads++
	m.consecutiveFailures++
	if err != nil {
		m.lastError = err.Error()
	}
	m.publishIfChangedLocked()
}

func (m *healthMonitor) deriveLocked(now time.Time) DeviceStatus {
	if !m.reported {
		return StatusUnknown
	}
	if !m.connected && !m.disconnectedAt.IsZero() && now.Sub(m.disconnectedAt) >= m.interval {
		return StatusOffline
	}
	if m.consecutiveFailures >= m.maxRetries {
		return StatusError
	}
	if m.consecutiveFailures > 0 || !m.connected {
		return StatusWarning
	}
	return StatusOnline
}

func (m *healthMonitor) snapshotLocked(now time.Time) DeviceHealth {
	h := DeviceHealth{
		DeviceID:            m.deviceID,
		Timestamp:           now,
		Status:              m.deriveLocked(now),
		Connected:           m.connected,
		ConsecutiveFailures: m.consecutiveFailures,
		LastError:           m.lastError,
		TotalReads:          m.totalReads,
		SuccessfulReads:     m.successfulReads,
		ActiveProtocol:      m.protocol,
	}
	if !m.lastSuccess.IsZero() {
		h.LastSuccessfulReadAge = durPtr(now.Sub(m.lastSuccess))
	}
	if m.avgLatencyMillis != nil {
		h.AvgLatencyMillis = floatPtr(*m.avgLatencyMillis)
	}
	return h
}

// Snapshot returns the current health without publishing.
func (m *healthMonitor) Snapshot() DeviceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(m.clk.Now())
}

// publishIfChangedLocked emits only on a status transition. Unlocks.
func (m *healthMonitor) publishIfChangedLocked() {
	now := m.clk.Now()
	h := m.snapshotLocked(now)
	changed := h.Status != m.lastStatus
	if changed {
		m.log.Info("device status changed",
			zap.String("device_id", m.deviceID),
			zap.Stringer("from", m.lastStatus),
			zap.Stringer("to", h.Status),
			zap.Int("consecutive_failures", h.ConsecutiveFailures),
			zap.String("last_error", h.LastError))
		m.lastStatus = h.Status
	}
	m.mu.Unlock()
	if changed {
		m.bus.publish(h)
	}
}

// publish emits the current snapshot unconditionally (heartbeat and initial
// event).
func (m *healthMonitor) publish() {
	m.mu.Lock()
	h := m.snapshotLocked(m.clk.Now())
	m.lastStatus = h.Status
	m.mu.Unlock()
	m.bus.publish(h)
}

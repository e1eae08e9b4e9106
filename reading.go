package adam

import (
	"time"
)

// Quality classifies how trustworthy a Reading is. It is never a numeric
// confidence: consumers branch on the enum, the writer persists only values
// that are Usable.
type Quality uint8

const (
	// QualityGood is a validated in-range value.
	QualityGood Quality = iota
	// QualityUncertain is a plausible value that failed a soft check, for
	// example a rate-of-change limit or an unstable scale flag.
	QualityUncertain
	// QualityBad is a value that failed validation or decoding.
	QualityBad
	// QualityTimeout marks a poll cycle that exhausted its deadline budget.
	QualityTimeout
	// QualityDeviceFailure marks transport-level failure after retries.
	QualityDeviceFailure
	// QualityConfigError marks a channel whose specification is unusable.
	QualityConfigError
	// QualityOverflow marks a raw value outside range due to counter wrap.
	QualityOverflow
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityUncertain:
		return "uncertain"
	case QualityBad:
		return "bad"
	case QualityTimeout:
		return "timeout"
	case QualityDeviceFailure:
		return "device_failure"
	case QualityConfigError:
		return "configuration_error"
	case QualityOverflow:
		return "overflow"
	}
	return "unknown"
}

// Usable reports whether a Reading of this quality may be stored as a
// time-series point. All other qualities surface through health and metrics
// only.
func (q Quality) Usable() bool {
	return q == QualityGood || q == QualityUncertain
}

// Reading is one acquired value for one (device, channel) pair in one poll
// cycle. The poller emits exactly one Reading per enabled channel per tick,
// successful or not; failed reads carry a non-Good quality and an Error
// string. A Reading is immutable once emitted: producers build fresh tag maps
// for every tick and consumers must not mutate them.
type Reading struct {
	DeviceID   string
	DeviceName string
	Channel    int
	// RawValue is the assembled counter value, or for scale devices the
	// numeric field digits as an integer (sign applied, decimal point
	// removed). Never meaningful unless Quality is Usable.
	RawValue  int64
	Timestamp time.Time
	// Processed is RawValue through the channel transform (scale and
	// offset); nil when the read failed before transformation.
	Processed *float64
	// Rate is the sliding-window rate of change in units per second; nil
	// until the tracker holds at least two samples.
	Rate    *float64
	Quality Quality
	Unit    string
	// AcquisitionTime is how long the device took to answer this cycle.
	AcquisitionTime time.Duration
	// Tags is the merged string metadata: channel tags, device tags, then
	// the writer-injected context keys.
	Tags map[string]string
	// Fields is the merged non-string metadata (bool, integer, float) from
	// channel and device configuration, stored as point fields.
	Fields map[string]any
	// Overflow is set when the rate tracker detected a counter wrap during
	// this cycle. The value itself remains usable.
	Overflow bool
	// Error carries the failure message for non-Good readings.
	Error string
}

// ProcessedOr returns the processed value or fallback when absent.
func (r Reading) ProcessedOr(fallback float64) float64 {
	if r.Processed == nil {
		return fallback
	}
	return *r.Processed
}

// DeviceStatus is the operator-facing condition of one device, derived by the
// HealthMonitor from connection state and failure counters.
type DeviceStatus uint8

const (
	// StatusUnknown applies before the first poll attempt completes.
	StatusUnknown DeviceStatus = iota
	// StatusOnline means connected with no outstanding failures.
	StatusOnline
	// StatusWarning means connected with some consecutive failures.
	StatusWarning
	// StatusError means consecutive failures reached the retry limit.
	StatusError
	// StatusOffline means the transport is down.
	StatusOffline
)

func (s DeviceStatus) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	case StatusOffline:
		return "offline"
	}
	return "unknown"
}

// DeviceHealth is a derived snapshot of one device's condition. It is emitted
// on every status transition and on the heartbeat interval; it is never
// persisted to the time-series store.
type DeviceHealth struct {
	DeviceID  string
	Timestamp time.Time
	Status    DeviceStatus
	Connected bool
	// LastSuccessfulReadAge is nil until the first successful read.
	LastSuccessfulReadAge *time.Duration
	ConsecutiveFailures   int
	// AvgLatencyMillis is a single-pole EWMA of acquisition latency; nil
	// until the first successful read.
	AvgLatencyMillis *float64
	LastError        string
	TotalReads       uint64
	SuccessfulReads  uint64
	// ActiveProtocol names the wire protocol in use: "modbus_tcp" for
	// counter modules, the template id for scales.
	ActiveProtocol string
}

func floatPtr(v float64) *float64 { return &v }

func durPtr(d time.Duration) *time.Duration { return &d }

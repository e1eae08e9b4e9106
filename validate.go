package adam

import "math"

// Validator classifies readings. The boolean checks are exposed separately so
// rule engines can query range and rate independently of the combined
// classification.
type Validator interface {
	// InRange reports whether value lies inside the channel's bounds. A
	// channel without bounds accepts everything.
	InRange(value float64, ch *ChannelConfig) bool
	// RateOK reports whether the rate respects the channel's limit. A nil
	// rate (not enough samples) always passes.
	RateOK(rate *float64, ch *ChannelConfig) bool
	// Classify derives the quality for one cycle. value is the channel's
	// native value before transformation: counter counts, or the parsed
	// weight for scales. wrapped marks a counter wrap in this cycle.
	Classify(value float64, rate *float64, wrapped bool, ch *ChannelConfig) Quality
}

// RangeValidator is the default Validator.
type RangeValidator struct{}

var _ Validator = RangeValidator{}

func (RangeValidator) InRange(value float64, ch *ChannelConfig) bool {
	if ch.MinValue != nil && value < *ch.MinValue {
		return false
	}
	if ch.MaxValue != nil && value > *ch.MaxValue {
		return false
	}
	return true
}

func (RangeValidator) RateOK(rate *float64, ch *ChannelConfig) bool {
	if rate == nil || ch.MaxRateOfChange == nil {
		return true
	}
	return math.Abs(*rate) <= *ch.MaxRateOfChange
}

// Classify applies the fixed precedence: broken channel spec, then range
// (wrap turns an out-of-range value into Overflow rather than Bad), then
// rate, then Good. A wrap with the value still in range stays Good; the
// reading's overflow flag carries the event.
func (v RangeValidator) Classify(value float64, rate *float64, wrapped bool, ch *ChannelConfig) Quality {
	if channelInvariant(ch) != nil {
		return QualityConfigError
	}
	if !v.InRange(value, ch) {
		if wrapped {
			return QualityOverflow
		}
		return QualityBad
	}
	if !v.RateOK(rate, ch) {
		return QualityUncertain
	}
	return QualityGood
}

// channelInvariant re-checks the family-independent channel invariants at
// read time. Config validation catches these at load; a hand-built
// ChannelConfig can still break them.
func channelInvariant(ch *ChannelConfig) error {
	if ch.Scale() == 0 {
		return ConfigErrorF("channel %d: zero scale factor", ch.Number)
	}
	if ch.MinValue != nil && ch.MaxValue != nil && *ch.MinValue > *ch.MaxValue {
		return ConfigErrorF("channel %d: min_value exceeds max_value", ch.Number)
	}
	if ch.DecimalPlaces < 0 || ch.DecimalPlaces > 10 {
		return ConfigErrorF("channel %d: decimal_places outside [0, 10]", ch.Number)
	}
	return nil
}

package adam

/*
This file contains the value transform and the metadata enrichment applied to
every reading before it is published.

Transformation is pure and never blocks. A panicking user transformer is
recovered and reported as a validation failure so one bad plug-in cannot take
the poller down.
*/

import (
	"math"
	"time"
)

// Transformer converts a channel's native value into engineering units.
type Transformer interface {
	Process(raw float64, ch *ChannelConfig) (float64, error)
}

// LinearTransformer is the default Transformer: value*scale + offset. Full
// precision is kept; rounding to the channel's decimal places happens at
// presentation time only.
type LinearTransformer struct{}

var _ Transformer = LinearTransformer{}

func (LinearTransformer) Process(raw float64, ch *ChannelConfig) (float64, error) {
	return raw*ch.Scale() + ch.Offset, nil
}

// safeProcess runs a transformer with panic recovery.
func safeProcess(t Transformer, raw float64, ch *ChannelConfig) (v float64, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = ValidationErrorF("transformer panic: %v", p)
		}
	}()
	return t.Process(raw, ch)
}

// Round rounds half away from zero to the given decimal places. Presentation
// helper; stored values keep full precision.
func Round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

// sourceTag is the provenance value injected into every reading's tags.
const sourceTag = "adam_logger"

// channelMeta is the precomputed metadata for one channel: device tags and
// fields merged under channel ones, plus the static injected context. Built
// once per channel; per-tick maps are fresh copies so emitted readings stay
// immutable.
type channelMeta struct {
	tags   map[string]string
	fields map[string]any
}

func buildChannelMeta(dev *DeviceConfig, ch *ChannelConfig) channelMeta {
	devTags, devFields, _ := splitMetadata(dev.Tags)
	chTags, chFields, _ := splitMetadata(ch.Tags)

	m := channelMeta{
		tags:   map[string]string{},
		fields: map[string]any{},
	}
	for k, v := range devTags {
		m.tags[k] = v
	}
	for k, v := range chTags {
		m.tags[k] = v
	}
	for k, v := range devFields {
		m.fields[k] = v
	}
	for k, v := range chFields {
		m.fields[k] = v
	}
	m.tags["source"] = sourceTag
	m.tags["channel_name"] = ch.Name
	m.tags["device_id"] = dev.DeviceID
	return m
}

// at materialises the per-reading copies with the cycle timestamp injected.
func (m channelMeta) at(ts time.Time) (map[string]string, map[string]any) {
	tags := make(map[string]string, len(m.tags)+1)
	for k, v := range m.tags {
		tags[k] = v
	}
	tags["timestamp"] = ts.UTC().Format(time.RFC3339Nano)
	var fields map[string]any
	if len(m.fields) > 0 {
		fields = make(map[string]any, len(m.fields))
		for k, v := range m.fields {
			fields[k] = v
		}
	}
	return tags, fields
}

package adam

/*
This file contains the scale reader: it pulls delimited frames off the
serial-bridge socket and decodes them through a protocol template into the
field values the poller turns into Readings.

Scales stream unsolicited frames, so reading means waiting for the next
complete line rather than issuing a request. Frames between consecutive
delimiters can be empty; those are skipped. A non-empty frame that the
template cannot parse is an error, not a skip, because it means the template
and the device disagree.
*/

import (
	"context"
	"math"
	"strings"

	"go.uber.org/zap"
)

type scaleReader struct {
	transport Transport
	template  *ProtocolTemplate
	log       *zap.Logger
}

func newScaleReader(t Transport, tpl *ProtocolTemplate, log *zap.Logger) *scaleReader {
	return &scaleReader{transport: t, template: tpl, log: log}
}

// capture blocks until one non-empty frame arrives and decodes it. One
// capture serves every channel of the device; each picks its own field.
func (s *scaleReader) capture(ctx context.Context) (map[string]FieldValue, error) {
	for {
		frame, err := s.transport.Request(ctx, nil)
		if err != nil {
			return nil, err
		}
		if len(frame) == 0 {
			continue
		}
		s.log.Debug("scale frame", zap.ByteString("frame", frame))
		return s.template.Apply(frame)
	}
}

// scaleSample is one decoded frame reduced to a channel's numeric field.
type scaleSample struct {
	// raw is the field's digits scaled to its decimal places; value is the
	// same number in native units.
	raw      int64
	value    float64
	decimals int
	// stable is nil when the template carries no stability marker.
	stable *bool
}

// rate converts a digit-domain rate to native units per second.
func (s scaleSample) rate(digitsPerSecond float64) float64 {
	return digitsPerSecond / math.Pow10(s.decimals)
}

// sampleFor extracts the named numeric field from decoded values. A missing
// or non-numeric field is a configuration problem, not a device one.
func sampleFor(t *ProtocolTemplate, values map[string]FieldValue, field string) (scaleSample, error) {
	fv, ok := values[field]
	if !ok {
		return scaleSample{}, ConfigErrorF("template %q has no field %q", t.TemplateID, field)
	}
	if fv.Kind != FieldNumeric {
		return scaleSample{}, ConfigErrorF("template field %q is %s, not numeric", field, fv.Kind)
	}
	return scaleSample{
		raw:      fv.Raw,
		value:    fv.Number,
		decimals: t.fieldDecimals(field),
		stable:   t.stability(values),
	}, nil
}

// fieldDecimals returns the declared decimal places of a numeric field.
func (t *ProtocolTemplate) fieldDecimals(name string) int {
	for _, f := range t.Fields {
		if f.Name == name {
			return f.decimals()
		}
	}
	return 0
}

// stability scans lookup fields in declared order for a stable/unstable
// label. Templates produced by discovery label their stability field exactly
// this way; templates without one yield nil and readings stay Good.
func (t *ProtocolTemplate) stability(values map[string]FieldValue) *bool {
	for _, f := range t.Fields {
		if f.Type != FieldLookup {
			continue
		}
		fv, ok := values[f.Name]
		if !ok {
			continue
		}
		switch fv.Label {
		case "stable":
			b := true
			return &b
		case "unstable":
			b := false
			return &b
		}
	}
	return nil
}

// unitText returns the trimmed text of a literal field named "unit", empty
// when the template has none. Channel configuration overrides it.
func (t *ProtocolTemplate) unitText(values map[string]FieldValue) string {
	fv, ok := values["unit"]
	if !ok || fv.Kind != FieldLiteral {
		return ""
	}
	return strings.TrimSpace(fv.Text)
}

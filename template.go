package adam

/*
This file contains the protocol template model for scale line protocols: the
JSON file format, validation, frame parsing (Apply) and its inverse (Format).

A template deterministically maps one delimited frame to named values. Apply
and Format are pure; the transport and scale reader own all I/O.
*/

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/multierr"
)

// FieldKind is the decoding rule for one template field.
type FieldKind string

const (
	// FieldLookup maps the extracted symbol through a table.
	FieldLookup FieldKind = "lookup"
	// FieldNumeric parses a signed decimal with a fixed fraction width.
	FieldNumeric FieldKind = "numeric"
	// FieldLiteral extracts the text verbatim.
	FieldLiteral FieldKind = "literal"
	// FieldIgnore skips the bytes.
	FieldIgnore FieldKind = "ignore"
)

// FieldSpec describes one fixed-width slice of a frame.
type FieldSpec struct {
	Name          string            `json:"name"`
	Start         int               `json:"start"`
	Length        int               `json:"length"`
	Type          FieldKind         `json:"field_type"`
	DecimalPlaces *int              `json:"decimal_places,omitempty"`
	Values        map[string]string `json:"values,omitempty"`
}

func (f FieldSpec) end() int { return f.Start + f.Length }

func (f FieldSpec) decimals() int {
	if f.DecimalPlaces == nil {
		return 0
	}
	return *f.DecimalPlaces
}

// ProtocolTemplate is the persisted description of one scale line protocol.
type ProtocolTemplate struct {
	TemplateID      string      `json:"template_id"`
	Name            string      `json:"name"`
	Delimiter       string      `json:"delimiter"`
	Encoding        string      `json:"encoding"`
	Fields          []FieldSpec `json:"fields"`
	ConfidenceScore float64     `json:"confidence_score"`
}

// ParseTemplate decodes a template file. Unknown keys are rejected so a
// mistyped field name fails loudly instead of silently parsing nothing.
func ParseTemplate(data []byte) (*ProtocolTemplate, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var t ProtocolTemplate
	if err := dec.Decode(&t); err != nil {
		return nil, ValidationErrorF("parse template: %v", err)
	}
	return &t, nil
}

// EncodeTemplate serialises a template to its file format.
func EncodeTemplate(t *ProtocolTemplate) ([]byte, error) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DelimiterBytes returns the frame delimiter with backslash escape sequences
// interpreted, so a template file may carry either a raw CRLF string or the
// spelled-out "\r\n".
func (t *ProtocolTemplate) DelimiterBytes() []byte {
	return unescapeDelimiter(t.Delimiter)
}

func unescapeDelimiter(s string) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			out = append(out, s[i])
			continue
		}
		i++
		switch s[i] {
		case 'r':
			out = append(out, '\r')
		case 'n':
			out = append(out, '\n')
		case 't':
			out = append(out, '\t')
		case '0':
			out = append(out, 0)
		case '\\':
			out = append(out, '\\')
		case 'x':
			if i+2 < len(s) {
				if b, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
					out = append(out, byte(b))
					i += 2
					continue
				}
			}
			out = append(out, '\\', 'x')
		default:
			out = append(out, '\\', s[i])
		}
	}
	return out
}

// Validate checks the structural invariants of the template. All problems are
// reported, not just the first.
func (t *ProtocolTemplate) Validate() error {
	var err error
	if t.Name == "" {
		err = multierr.Append(err, ValidationErrorF("template name required"))
	}
	if len(t.DelimiterBytes()) == 0 {
		err = multierr.Append(err, ValidationErrorF("delimiter required"))
	}
	switch t.Encoding {
	case "", "ASCII", "UTF-8":
	default:
		err = multierr.Append(err, ValidationErrorF("encoding %q not supported", t.Encoding))
	}
	if len(t.Fields) == 0 {
		err = multierr.Append(err, ValidationErrorF("at least one field required"))
	}

	names := map[string]bool{}
	for i, f := range t.Fields {
		if f.Type != FieldIgnore {
			if f.Name == "" {
				err = multierr.Append(err, ValidationErrorF("fields[%d]: name required", i))
			} else if names[f.Name] {
				err = multierr.Append(err, ValidationErrorF("fields[%d]: duplicate name %q", i, f.Name))
			} else {
				names[f.Name] = true
			}
		}
		if f.Start < 0 {
			err = multierr.Append(err, ValidationErrorF("fields[%d]: negative start %d", i, f.Start))
		}
		if f.Length < 1 {
			err = multierr.Append(err, ValidationErrorF("fields[%d]: length %d below 1", i, f.Length))
		}
		switch f.Type {
		case FieldNumeric:
			if d := f.decimals(); d < 0 || d > 10 {
				err = multierr.Append(err, ValidationErrorF("fields[%d]: decimal_places %d outside [0, 10]", i, d))
			}
			if f.Values != nil {
				err = multierr.Append(err, ValidationErrorF("fields[%d]: values table not allowed on numeric", i))
			}
		case FieldLookup:
			if len(f.Values) == 0 {
				err = multierr.Append(err, ValidationErrorF("fields[%d]: lookup requires a values table", i))
			}
			if f.DecimalPlaces != nil {
				err = multierr.Append(err, ValidationErrorF("fields[%d]: decimal_places not allowed on lookup", i))
			}
		case FieldLiteral, FieldIgnore:
			if f.DecimalPlaces != nil || f.Values != nil {
				err = multierr.Append(err, ValidationErrorF("fields[%d]: decimal_places/values not allowed on %s", i, f.Type))
			}
		default:
			err = multierr.Append(err, ValidationErrorF("fields[%d]: unknown field_type %q", i, f.Type))
		}
	}

	// Overlap check on a copy sorted by start.
	sorted := make([]FieldSpec, len(t.Fields))
	copy(sorted, t.Fields)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Start < sorted[b].Start })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Start < sorted[i-1].end() {
			err = multierr.Append(err, ValidationErrorF(
				"fields %q and %q overlap at offset %d", sorted[i-1].Name, sorted[i].Name, sorted[i].Start))
		}
	}
	return err
}

// FieldValue is one decoded field of a frame.
type FieldValue struct {
	Kind FieldKind
	// Text is the verbatim field slice.
	Text string
	// Number and Raw are set for numeric fields. Raw is the value scaled to
	// the field's decimal places, so "  1.25" with 2 decimals yields 125.
	Number float64
	Raw    int64
	// Label is the mapped symbol for lookup fields.
	Label string
}

// frameWidth is the minimum frame length the template can be applied to.
func (t *ProtocolTemplate) frameWidth() int {
	w := 0
	for _, f := range t.Fields {
		if f.end() > w {
			w = f.end()
		}
	}
	return w
}

// Apply parses one delimited frame (delimiter already stripped) into named
// values. Ignore fields produce no entry.
func (t *ProtocolTemplate) Apply(frame []byte) (map[string]FieldValue, error) {
	if err := t.checkEncoding(frame); err != nil {
		return nil, err
	}
	out := make(map[string]FieldValue, len(t.Fields))
	for _, f := range t.Fields {
		if f.Type == FieldIgnore {
			continue
		}
		fv, err := t.applyField(f, frame)
		if err != nil {
			return nil, err
		}
		out[f.Name] = fv
	}
	return out, nil
}

// applyField decodes a single field of a frame.
func (t *ProtocolTemplate) applyField(f FieldSpec, frame []byte) (FieldValue, error) {
	if f.end() > len(frame) {
		return FieldValue{}, ProtocolErrorF("field %q needs %d bytes, frame has %d", f.Name, f.end(), len(frame))
	}
	text := string(frame[f.Start:f.end()])
	fv := FieldValue{Kind: f.Type, Text: text}
	switch f.Type {
	case FieldNumeric:
		raw, num, err := parseNumeric(text, f.decimals())
		if err != nil {
			return FieldValue{}, ProtocolErrorF("field %q: %v", f.Name, err)
		}
		fv.Raw, fv.Number = raw, num
	case FieldLookup:
		label, ok := f.Values[text]
		if !ok {
			// Scales pad fixed-width status columns with spaces.
			label, ok = f.Values[strings.TrimSpace(text)]
		}
		if !ok {
			return FieldValue{}, ProtocolErrorF("field %q: symbol %q not in lookup table", f.Name, text)
		}
		fv.Label = label
	case FieldLiteral:
		// Text already carries the value.
	}
	return fv, nil
}

func (t *ProtocolTemplate) checkEncoding(frame []byte) error {
	switch t.Encoding {
	case "", "ASCII":
		for _, b := range frame {
			if b > 0x7f {
				return ProtocolErrorF("byte 0x%02x outside ASCII range", b)
			}
		}
	case "UTF-8":
		if !utf8.Valid(frame) {
			return ProtocolErrorF("frame is not valid UTF-8")
		}
	}
	return nil
}

// parseNumeric decodes a fixed-width decimal: spaces are padding, one leading
// sign is allowed, and at most one decimal point. When the text carries no
// point the declared decimal count is implied. Raw is always scaled to the
// declared decimals regardless of how the frame spelled the value.
func parseNumeric(text string, decimals int) (int64, float64, error) {
	s := strings.ReplaceAll(text, " ", "")
	if s == "" {
		return 0, 0, fmt.Errorf("no digits in %q", text)
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	var digits int64
	ndigits := 0
	fraction := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			digits = digits*10 + int64(c-'0')
			ndigits++
			if fraction >= 0 {
				fraction++
			}
		case c == '.':
			if fraction >= 0 {
				return 0, 0, fmt.Errorf("multiple decimal points in %q", text)
			}
			fraction = 0
		default:
			return 0, 0, fmt.Errorf("unexpected character %q in %q", c, text)
		}
	}
	if ndigits == 0 {
		return 0, 0, fmt.Errorf("no digits in %q", text)
	}
	if neg {
		digits = -digits
	}

	// Explicit point wins over the declared width when they disagree.
	actual := decimals
	if fraction >= 0 {
		actual = fraction
	}
	num := float64(digits) / math.Pow10(actual)
	raw := int64(math.Round(num * math.Pow10(decimals)))
	return raw, num, nil
}

// Format is the inverse of Apply for fixed-width frames: it renders the
// values back into a frame of the template's width. Bytes not covered by any
// field, and ignore fields, come out as spaces. Numeric fields render
// right-aligned with the declared decimal places.
func (t *ProtocolTemplate) Format(values map[string]FieldValue) ([]byte, error) {
	frame := bytes.Repeat([]byte{' '}, t.frameWidth())
	for _, f := range t.Fields {
		if f.Type == FieldIgnore {
			continue
		}
		fv, ok := values[f.Name]
		if !ok {
			return nil, ValidationErrorF("no value for field %q", f.Name)
		}
		var text string
		switch f.Type {
		case FieldNumeric:
			text = strconv.FormatFloat(fv.Number, 'f', f.decimals(), 64)
			if len(text) > f.Length {
				return nil, ValidationErrorF("field %q: %s does not fit in %d bytes", f.Name, text, f.Length)
			}
			text = strings.Repeat(" ", f.Length-len(text)) + text
		case FieldLookup:
			text = f.symbolFor(fv)
			if len(text) > f.Length {
				return nil, ValidationErrorF("field %q: symbol %q does not fit in %d bytes", f.Name, text, f.Length)
			}
			text += strings.Repeat(" ", f.Length-len(text))
		case FieldLiteral:
			text = fv.Text
			if len(text) > f.Length {
				return nil, ValidationErrorF("field %q: text %q does not fit in %d bytes", f.Name, text, f.Length)
			}
			text += strings.Repeat(" ", f.Length-len(text))
		}
		copy(frame[f.Start:], text)
	}
	return frame, nil
}

// symbolFor reverses the lookup table for one label; the verbatim text wins
// when it is still a known symbol, keeping Apply→Format byte-stable.
func (f FieldSpec) symbolFor(fv FieldValue) string {
	if _, ok := f.Values[fv.Text]; ok {
		return fv.Text
	}
	if _, ok := f.Values[strings.TrimSpace(fv.Text)]; ok {
		return fv.Text
	}
	syms := make([]string, 0, len(f.Values))
	for s := range f.Values {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	for _, s := range syms {
		if f.Values[s] == fv.Label {
			return s
		}
	}
	return fv.Text
}

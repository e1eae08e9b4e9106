package adam

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// capWindow builds a capture window from complete frames. The leading
// delimiter makes the dropped head segment empty, so every frame survives
// splitCapture.
func capWindow(label string, weight float64, frames ...string) *discoveryCapture {
	raw := []byte("\r\n")
	for _, f := range frames {
		raw = append(raw, f...)
		raw = append(raw, "\r\n"...)
	}
	return &discoveryCapture{label: label, weight: weight, raw: raw}
}

func repeatFrame(f string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = f
	}
	return out
}

func TestDiscoverTemplateScenario(t *testing.T) {
	captures := []*discoveryCapture{
		capWindow("baseline", 0, repeatFrame("US    0.00 kg", 20)...),
		capWindow("1 kg", 1, repeatFrame("ST    1.00 kg", 20)...),
		capWindow("2 kg", 2, repeatFrame("ST    2.00 kg", 20)...),
	}

	res, err := discoverTemplate(captures, "bench scale protocol", 85)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	tpl := res.Template
	assert.Equal(t, "bench scale protocol", tpl.Name)
	assert.Equal(t, "\r\n", tpl.Delimiter)
	assert.Equal(t, "ASCII", tpl.Encoding)
	assert.Equal(t, 100.0, tpl.ConfidenceScore)

	require.Len(t, tpl.Fields, 3)
	stability := tpl.Fields[0]
	assert.Equal(t, "stability", stability.Name)
	assert.Equal(t, 0, stability.Start)
	assert.Equal(t, 2, stability.Length)
	assert.Equal(t, FieldLookup, stability.Type)
	assert.Equal(t, map[string]string{"ST": "stable", "US": "unstable"}, stability.Values)

	weight := tpl.Fields[1]
	assert.Equal(t, "weight", weight.Name)
	assert.Equal(t, 3, weight.Start)
	assert.Equal(t, 8, weight.Length)
	assert.Equal(t, FieldNumeric, weight.Type)
	require.NotNil(t, weight.DecimalPlaces)
	assert.Equal(t, 2, *weight.DecimalPlaces)

	unit := tpl.Fields[2]
	assert.Equal(t, "unit", unit.Name)
	assert.Equal(t, 11, unit.Start)
	assert.Equal(t, 2, unit.Length)
	assert.Equal(t, FieldLiteral, unit.Type)

	assert.Equal(t, 100.0, res.Report.FormatScore)
	assert.Equal(t, 100.0, res.Report.NumericScore)
	assert.Equal(t, 100.0, res.Report.Overall)
	assert.Empty(t, res.Report.WeakestField)
	assert.Empty(t, res.Report.Diagnostic)

	require.Len(t, res.Report.Captures, 3)
	assert.Equal(t, "baseline", res.Report.Captures[0].Label)
	assert.Equal(t, 1.0, res.Report.Captures[1].Weight)
	for _, cs := range res.Report.Captures {
		assert.Equal(t, 20, cs.Frames)
		assert.Equal(t, map[int]int{13: 20}, cs.FrameLengths)
	}

	// The derived template decodes frames it has never seen.
	values, err := tpl.Apply([]byte("ST    7.50 kg"))
	require.NoError(t, err)
	assert.Equal(t, 7.5, values["weight"].Number)
	st := tpl.stability(values)
	require.NotNil(t, st)
	assert.True(t, *st)
	assert.Equal(t, "kg", tpl.unitText(values))
}

func TestDiscoverTemplateImpliedDecimals(t *testing.T) {
	// Integer gram display against kilogram test weights: no decimal point,
	// no status change, slope 1000 normalized away.
	captures := []*discoveryCapture{
		capWindow("baseline", 0, repeatFrame("ST      0 g", 20)...),
		capWindow("1 kg", 1, repeatFrame("ST   1000 g", 20)...),
		capWindow("2 kg", 2, repeatFrame("ST   2000 g", 20)...),
	}

	res, err := discoverTemplate(captures, "gram scale", 85)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	tpl := res.Template
	require.Len(t, tpl.Fields, 2)
	weight := tpl.Fields[0]
	assert.Equal(t, "weight", weight.Name)
	assert.Equal(t, 2, weight.Start)
	assert.Equal(t, 8, weight.Length)
	require.NotNil(t, weight.DecimalPlaces)
	assert.Equal(t, 0, *weight.DecimalPlaces)
	assert.Equal(t, "unit", tpl.Fields[1].Name)
	assert.Equal(t, 10, tpl.Fields[1].Start)
	assert.Equal(t, 1, tpl.Fields[1].Length)

	values, err := tpl.Apply([]byte("ST   1500 g"))
	require.NoError(t, err)
	assert.Equal(t, 1500.0, values["weight"].Number)
	assert.Nil(t, tpl.stability(values))
	assert.Equal(t, "g", tpl.unitText(values))
}

func TestDiscoverTemplateSubThreshold(t *testing.T) {
	// 45% of baseline and first-step frames carry an unreadable weight text.
	// The span still evaluates (55% parse) and correlates perfectly, but the
	// draft fails to parse those frames, dragging the format score to 70.
	mix := func(status string, good string) []string {
		frames := repeatFrame(status+good, 11)
		return append(frames, repeatFrame(status+"    -.-- kg", 9)...)
	}
	captures := []*discoveryCapture{
		capWindow("baseline", 0, mix("US", "    0.00 kg")...),
		capWindow("1 kg", 1, mix("ST", "    1.00 kg")...),
		capWindow("2 kg", 2, repeatFrame("ST    2.00 kg", 20)...),
	}

	res, err := discoverTemplate(captures, "noisy scale", 85)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Empty(t, res.TemplateID)
	require.NotNil(t, res.Template)

	assert.InDelta(t, 70.0, res.Report.FormatScore, 0.01)
	assert.Equal(t, 100.0, res.Report.NumericScore)
	assert.InDelta(t, 70.0, res.Report.Overall, 0.01)
	assert.Equal(t, "weight", res.Report.WeakestField)
	assert.Contains(t, res.Report.Diagnostic, `field "weight" failed to parse 18 of 60`)
}

func TestDiscoverTemplateUnstableFraming(t *testing.T) {
	baseline := append(repeatFrame("US    0.00 kg", 10), repeatFrame("US        0.00 kg", 10)...)
	captures := []*discoveryCapture{
		capWindow("baseline", 0, baseline...),
		capWindow("1 kg", 1, repeatFrame("ST    1.00 kg", 20)...),
		capWindow("2 kg", 2, repeatFrame("ST    2.00 kg", 20)...),
	}

	_, err := discoverTemplate(captures, "scale", 85)
	require.Error(t, err)
	assert.Equal(t, CategoryDiscovery, CategoryOf(err))
	assert.Contains(t, err.Error(), "unstable framing")
}

func TestDiscoverTemplateNoCorrelation(t *testing.T) {
	// A display frozen across all three windows gives the analysis nothing
	// that tracks the weights.
	frozen := repeatFrame("ST    0.00 kg", 20)
	captures := []*discoveryCapture{
		capWindow("baseline", 0, frozen...),
		capWindow("1 kg", 1, frozen...),
		capWindow("2 kg", 2, frozen...),
	}

	_, err := discoverTemplate(captures, "scale", 85)
	require.Error(t, err)
	assert.Equal(t, CategoryDiscovery, CategoryOf(err))
	assert.Contains(t, err.Error(), "no column span tracks the test weights")
}

func TestDiscoverTemplateEmptyCapture(t *testing.T) {
	captures := []*discoveryCapture{
		{label: "baseline", weight: 0, raw: []byte("\r\n")},
		capWindow("1 kg", 1, repeatFrame("ST    1.00 kg", 20)...),
		capWindow("2 kg", 2, repeatFrame("ST    2.00 kg", 20)...),
	}

	_, err := discoverTemplate(captures, "scale", 85)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `capture "baseline" produced no complete frames`)
}

func TestDiscoverTemplateOffLengthCapture(t *testing.T) {
	// Spread of 2 passes the framing check, but a capture consisting solely
	// of off-length frames has nothing to contribute to column analysis.
	captures := []*discoveryCapture{
		capWindow("baseline", 0, repeatFrame("US     0.00 kg", 20)...),
		capWindow("1 kg", 1, repeatFrame("ST     1.00 kg", 20)...),
		capWindow("2 kg", 2, repeatFrame("ST     2.00 x kg", 5)...),
	}

	_, err := discoverTemplate(captures, "scale", 85)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no frames of the dominant length")
}

func TestInferDelimiter(t *testing.T) {
	crlf := []*discoveryCapture{
		{raw: bytes.Repeat([]byte("W 1.0\r\n"), 20)},
	}
	assert.Equal(t, []byte("\r\n"), inferDelimiter(crlf))

	lf := []*discoveryCapture{
		{raw: bytes.Repeat([]byte("W 1.0\n"), 20)},
	}
	assert.Equal(t, []byte("\n"), inferDelimiter(lf))

	// No qualifying control byte falls back to CR LF.
	none := []*discoveryCapture{
		{raw: []byte("no terminators in sight")},
	}
	assert.Equal(t, []byte("\r\n"), inferDelimiter(none))

	empty := []*discoveryCapture{{raw: nil}}
	assert.Equal(t, []byte("\r\n"), inferDelimiter(empty))
}

func TestSplitCapture(t *testing.T) {
	crlf := []byte("\r\n")

	frames := splitCapture([]byte("partial\r\nAAA\r\nBBB\r\ntail"), crlf)
	require.Len(t, frames, 2)
	assert.Equal(t, []byte("AAA"), frames[0])
	assert.Equal(t, []byte("BBB"), frames[1])

	// Doubled delimiters produce empty segments, which are dropped.
	frames = splitCapture([]byte("\r\nAAA\r\n\r\nBBB\r\n"), crlf)
	require.Len(t, frames, 2)

	assert.Nil(t, splitCapture([]byte("no delimiter"), crlf))
	assert.Nil(t, splitCapture([]byte("one\r\ntwo"), crlf))
}

func TestFrameLengthMode(t *testing.T) {
	sets := [][][]byte{
		{[]byte("abcd"), []byte("efgh"), []byte("ij")},
		{[]byte("klmn")},
	}
	mode, spread := frameLengthMode(sets)
	assert.Equal(t, 4, mode)
	assert.Equal(t, 2, spread)

	// Length ties resolve to the shorter frame.
	mode, spread = frameLengthMode([][][]byte{{[]byte("ab"), []byte("abcd")}})
	assert.Equal(t, 2, mode)
	assert.Equal(t, 2, spread)
}

func TestStabilityLabels(t *testing.T) {
	assert.Equal(t,
		map[string]string{"ST": "stable", "US": "unstable"},
		stabilityLabels([]string{"US", "ST", "ST"}))

	// Unknown pair: the symbol shown during the weight steps is stable.
	assert.Equal(t,
		map[string]string{"G ": "stable", "N ": "unstable"},
		stabilityLabels([]string{"N ", "G ", "G "}))

	// Three or more symbols keep their trimmed text.
	assert.Equal(t,
		map[string]string{"G": "G", "M": "M", "N": "N"},
		stabilityLabels([]string{"N", "G", "M"}))
}

func TestCandidateDecimals(t *testing.T) {
	dotted := [][][]byte{
		{[]byte("1.25"), []byte("2.50")},
		{[]byte("9.99")},
	}
	assert.Equal(t, []int{2}, candidateDecimals(dotted, 0, 4, 4))

	plain := [][][]byte{
		{[]byte("  12")},
		{[]byte(" 345")},
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, candidateDecimals(plain, 0, 4, 4))

	// Below the 90% explicit-point bar every interpretation is tried.
	mixed := [][][]byte{
		{[]byte("1.25"), []byte("1234")},
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, candidateDecimals(mixed, 0, 4, 4))
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 2.0, median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, median([]float64{4, 1, 3, 2}))
	assert.Equal(t, 7.0, median([]float64{7}))
}

func TestMonotonic(t *testing.T) {
	assert.True(t, monotonic([]float64{0, 1, 2}, []float64{1, 2, 3}))
	assert.False(t, monotonic([]float64{0, 1, 2}, []float64{1, 3, 3}))
	assert.False(t, monotonic([]float64{0, 1, 2}, []float64{1, 3, 2}))
	// Equal weights carry no ordering constraint.
	assert.True(t, monotonic([]float64{1, 1}, []float64{5, 3}))
}

func TestPearsonFit(t *testing.T) {
	r, slope := pearsonFit([]float64{0, 1, 2}, []float64{0, 2, 4})
	assert.Equal(t, 1.0, r)
	assert.Equal(t, 2.0, slope)

	r, _ = pearsonFit([]float64{0, 1, 2}, []float64{3, 3, 3})
	assert.Equal(t, 0.0, r)

	r, _ = pearsonFit([]float64{1}, []float64{2})
	assert.Equal(t, 0.0, r)
}

func TestNormalizedSlope(t *testing.T) {
	assert.Equal(t, 1.0, normalizedSlope(1))
	assert.Equal(t, 1.0, normalizedSlope(1000))
	assert.Equal(t, 1.0, normalizedSlope(0.001))
	assert.InDelta(t, 1.015, normalizedSlope(1.015), 1e-9)
	assert.Equal(t, -2.0, normalizedSlope(-2))
}

func TestDetectEncoding(t *testing.T) {
	ascii := [][][]byte{{[]byte("ST 1.0 kg")}}
	assert.Equal(t, "ASCII", detectEncoding(ascii))

	utf8Sets := [][][]byte{{[]byte("ST 1.0 \xc2\xb5g")}}
	assert.Equal(t, "UTF-8", detectEncoding(utf8Sets))
}

// streamFor renders a capture window as the byte stream a serial bridge
// would deliver, leading delimiter included so no frame is lost to the
// partial-segment trim.
func streamFor(frames ...string) []byte {
	raw := []byte("\r\n")
	for _, f := range frames {
		raw = append(raw, f...)
		raw = append(raw, "\r\n"...)
	}
	return raw
}

func newTestSession(t *testing.T, tr Transport) (*DiscoverySession, *TemplateRepository) {
	t.Helper()
	repo, err := NewTemplateRepository(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	dev := DeviceConfig{
		DeviceID:     "scale-1",
		Name:         "floor scale",
		Manufacturer: "Mettler",
		Model:        "PS-60",
	}
	cfg := DiscoveryConfig{BaselineWindowSeconds: 1, StepWindowSeconds: 1, ConfidenceThreshold: 85}
	return newDiscoverySession(dev, cfg, repo, tr, clock.NewMock(), zap.NewNop()), repo
}

func TestDiscoverySessionFlow(t *testing.T) {
	// Large stream chunks hit the capture byte cap long before the window
	// deadline, so the mock clock never needs to move.
	tr := &streamTransport{stream: bytes.Repeat(streamFor("US    0.00 kg"), 1024)}
	s, repo := newTestSession(t, tr)

	ctx := context.Background()

	err := s.Step(ctx, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "baseline capture must run")

	require.NoError(t, s.Baseline(ctx))
	assert.True(t, tr.Connected())

	_, err = s.Finish(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 2 weight steps")

	tr.setStream(bytes.Repeat(streamFor("ST    1.00 kg"), 1024))
	require.NoError(t, s.Step(ctx, 1))
	assert.Equal(t, 1, s.Steps())

	tr.setStream(bytes.Repeat(streamFor("ST    2.00 kg"), 1024))
	require.NoError(t, s.Step(ctx, 2))
	assert.Equal(t, 2, s.Steps())

	res, err := s.Finish(ctx)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.NotEmpty(t, res.TemplateID)
	assert.Equal(t, res.TemplateID, res.Template.TemplateID)
	assert.Equal(t, "Mettler PS-60 scale protocol", res.Template.Name)
	assert.Equal(t, 100.0, res.Template.ConfidenceScore)

	stored, err := repo.Get(res.TemplateID)
	require.NoError(t, err)
	assert.Equal(t, res.Template.Name, stored.Name)
	assert.Len(t, stored.Fields, 3)

	require.NoError(t, s.Close())
	assert.False(t, tr.Connected())
	require.NoError(t, s.Close())

	err = s.Baseline(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
	_, err = s.Finish(ctx)
	require.Error(t, err)
}

func TestDiscoverySessionRejectsBadWeights(t *testing.T) {
	tr := &streamTransport{stream: bytes.Repeat(streamFor("US    0.00 kg"), 1024)}
	s, _ := newTestSession(t, tr)
	require.NoError(t, s.Baseline(context.Background()))

	for _, w := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		err := s.Step(context.Background(), w)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "positive number")
	}
	assert.Equal(t, 0, s.Steps())
}

func TestDiscoverySessionToleratesQuietStretches(t *testing.T) {
	clk := clock.NewMock()
	tr := &streamTransport{queue: [][]byte{
		[]byte("US    0.00 kg\r\n"),
		[]byte("US    0.00 kg\r\n"),
		[]byte("US    0.00 kg\r\n"),
	}}
	tr.onIdle = func() { clk.Add(300 * time.Millisecond) }

	repo, err := NewTemplateRepository(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	cfg := DiscoveryConfig{BaselineWindowSeconds: 1, StepWindowSeconds: 1, ConfidenceThreshold: 85}
	s := newDiscoverySession(DeviceConfig{DeviceID: "scale-1"}, cfg, repo, tr, clk, zap.NewNop())

	// Three frames arrive, then the line goes quiet until the window closes.
	require.NoError(t, s.Baseline(context.Background()))
	assert.GreaterOrEqual(t, tr.requests, 4)
}

func TestDiscoverySessionNoBytes(t *testing.T) {
	clk := clock.NewMock()
	tr := &streamTransport{}
	tr.onIdle = func() { clk.Add(300 * time.Millisecond) }

	repo, err := NewTemplateRepository(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	cfg := DiscoveryConfig{BaselineWindowSeconds: 1, StepWindowSeconds: 1, ConfidenceThreshold: 85}
	s := newDiscoverySession(DeviceConfig{DeviceID: "scale-1"}, cfg, repo, tr, clk, zap.NewNop())

	err = s.Baseline(context.Background())
	require.Error(t, err)
	assert.Equal(t, CategoryDiscovery, CategoryOf(err))
	assert.Contains(t, err.Error(), "no bytes received")
}

func TestDiscoverySessionTransportErrorAborts(t *testing.T) {
	tr := &streamTransport{failWith: TransportErrorF("connection reset")}
	s, _ := newTestSession(t, tr)

	err := s.Baseline(context.Background())
	require.Error(t, err)
	assert.Equal(t, CategoryTransport, CategoryOf(err))

	// Nothing was kept; steps still demand a baseline first.
	err = s.Step(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "baseline capture must run")
}

func TestDiscoverySessionCancelledContext(t *testing.T) {
	tr := &streamTransport{stream: bytes.Repeat(streamFor("US    0.00 kg"), 1024)}
	s, _ := newTestSession(t, tr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Baseline(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDiscoverySessionSubThresholdNotPersisted(t *testing.T) {
	// 45% of baseline and first-step frames are unreadable; the draft comes
	// back unaccepted and nothing reaches the repository.
	corrupt := func(good, status string) []byte {
		frames := append(repeatFrame(good, 11), repeatFrame(status+"    -.-- kg", 9)...)
		return streamFor(frames...)
	}

	dir := t.TempDir()
	repo, err := NewTemplateRepository(dir, zap.NewNop())
	require.NoError(t, err)
	tr := &streamTransport{stream: corrupt("US    0.00 kg", "US")}
	cfg := DiscoveryConfig{BaselineWindowSeconds: 1, StepWindowSeconds: 1, ConfidenceThreshold: 85}
	s := newDiscoverySession(DeviceConfig{DeviceID: "scale-1", Name: "noisy"}, cfg, repo, tr, clock.NewMock(), zap.NewNop())

	ctx := context.Background()
	require.NoError(t, s.Baseline(ctx))
	tr.setStream(corrupt("ST    1.00 kg", "ST"))
	require.NoError(t, s.Step(ctx, 1))
	tr.setStream(bytes.Repeat(streamFor("ST    2.00 kg"), 1024))
	require.NoError(t, s.Step(ctx, 2))

	res, err := s.Finish(ctx)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Empty(t, res.TemplateID)
	assert.Equal(t, "weight", res.Report.WeakestField)
	assert.Less(t, res.Report.Overall, 85.0)

	assert.Empty(t, repo.List(""))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".json"), "unexpected template file %s", filepath.Join(dir, e.Name()))
	}
}

func TestSessionTemplateName(t *testing.T) {
	s := &DiscoverySession{dev: DeviceConfig{Manufacturer: "Mettler", Model: "PS-60"}}
	assert.Equal(t, "Mettler PS-60 scale protocol", s.templateName())

	s = &DiscoverySession{dev: DeviceConfig{Name: "floor scale"}}
	assert.Equal(t, "floor scale scale protocol", s.templateName())
}

package adam

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Analysis thresholds for ground-truth discovery.
const (
	minWeightSteps       = 2
	delimiterCoverage    = 0.95
	maxFrameLengthSpread = 2
	pearsonMin           = 0.98
	slopeTolerance       = 0.02
	maxStatusSymbols     = 4
	maxInferredDecimals  = 4
	maxCaptureBytes      = 64 << 10
	discoveryChunkSize   = 512
)

// numericColChars are the bytes a column may contain and still belong to a
// numeric field: digits, sign, decimal point and space padding.
const numericColChars = "0123456789.+- "

// discoveryCapture is one raw capture window with its ground-truth weight.
type discoveryCapture struct {
	label  string
	weight float64
	raw    []byte
}

// CaptureStats summarises one capture window for the session transcript.
type CaptureStats struct {
	Label        string
	Weight       float64
	Frames       int
	FrameLengths map[int]int
}

// ConfidenceReport breaks the template score down for the operator.
// FormatScore is the percentage of captured frames the draft template parses;
// NumericScore is the weight correlation coefficient scaled to 0..100.
// Overall is the minimum of the two.
type ConfidenceReport struct {
	FormatScore  float64
	NumericScore float64
	Overall      float64
	WeakestField string
	Diagnostic   string
	Captures     []CaptureStats
}

// DiscoveryResult is the outcome of a finished session. Accepted reports
// whether Overall reached the configured threshold; only accepted templates
// are persisted, and TemplateID is set only then.
type DiscoveryResult struct {
	Template   *ProtocolTemplate
	Report     ConfidenceReport
	Accepted   bool
	TemplateID string
}

// DiscoverySession drives interactive template discovery against one scale.
// The operator captures a baseline with the platform empty, then at least two
// known test weights, then finishes. Captures block for the configured
// window; the session can be cancelled between any two of them and partial
// captures are discarded. Discovery never publishes readings and never
// touches the time-series writer.
type DiscoverySession struct {
	dev  DeviceConfig
	cfg  DiscoveryConfig
	repo *TemplateRepository
	tr   Transport
	clk  clock.Clock
	log  *zap.Logger

	mu       sync.Mutex
	baseline *discoveryCapture
	steps    []*discoveryCapture
	closed   bool
}

func newDiscoverySession(dev DeviceConfig, cfg DiscoveryConfig, repo *TemplateRepository, tr Transport, clk clock.Clock, log *zap.Logger) *DiscoverySession {
	return &DiscoverySession{
		dev:  dev,
		cfg:  cfg,
		repo: repo,
		tr:   tr,
		clk:  clk,
		log:  log.With(zap.String("device_id", dev.DeviceID)),
	}
}

// Baseline captures the empty-platform reference window. It must run before
// the first weight step.
func (s *DiscoverySession) Baseline(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return DiscoveryErrorF("discovery session is closed")
	}
	s.log.Info("discovery baseline capture",
		zap.Duration("window", s.cfg.BaselineWindow()))
	raw, err := s.capture(ctx, s.cfg.BaselineWindow())
	if err != nil {
		return err
	}
	s.baseline = &discoveryCapture{label: "baseline", weight: 0, raw: raw}
	return nil
}

// Step captures one window with a known test weight on the platform.
func (s *DiscoverySession) Step(ctx context.Context, weightKg float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return DiscoveryErrorF("discovery session is closed")
	}
	if s.baseline == nil {
		return DiscoveryErrorF("baseline capture must run before weight steps")
	}
	if weightKg <= 0 || math.IsNaN(weightKg) || math.IsInf(weightKg, 0) {
		return DiscoveryErrorF("test weight must be a positive number, got %v", weightKg)
	}
	label := fmt.Sprintf("%g kg", weightKg)
	s.log.Info("discovery weight step",
		zap.Float64("weight_kg", weightKg),
		zap.Duration("window", s.cfg.StepWindow()))
	raw, err := s.capture(ctx, s.cfg.StepWindow())
	if err != nil {
		return err
	}
	s.steps = append(s.steps, &discoveryCapture{label: label, weight: weightKg, raw: raw})
	return nil
}

// Steps reports how many weight steps have been captured so far.
func (s *DiscoverySession) Steps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Finish analyses the captures, builds a draft template and persists it when
// the confidence score reaches the configured threshold. Fewer than two
// weight steps, unstable framing or a missing weight correlation produce a
// discovery error with a diagnostic; a sub-threshold score returns the draft
// unaccepted with the score breakdown.
func (s *DiscoverySession) Finish(ctx context.Context) (*DiscoveryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, DiscoveryErrorF("discovery session is closed")
	}
	if s.baseline == nil {
		return nil, DiscoveryErrorF("no baseline captured")
	}
	if len(s.steps) < minWeightSteps {
		return nil, DiscoveryErrorF("at least %d weight steps are required, got %d", minWeightSteps, len(s.steps))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	captures := append([]*discoveryCapture{s.baseline}, s.steps...)
	res, err := discoverTemplate(captures, s.templateName(), s.cfg.ConfidenceThreshold)
	if err != nil {
		return nil, err
	}
	if !res.Accepted {
		s.log.Warn("discovered template below confidence threshold",
			zap.Float64("overall", res.Report.Overall),
			zap.Float64("threshold", s.cfg.ConfidenceThreshold),
			zap.String("diagnostic", res.Report.Diagnostic))
		return res, nil
	}

	id, err := s.repo.Put(res.Template)
	if err != nil {
		return nil, err
	}
	res.TemplateID = id
	res.Template.TemplateID = id
	s.log.Info("discovered template accepted",
		zap.String("template_id", id),
		zap.Float64("confidence", res.Report.Overall),
		zap.Int("fields", len(res.Template.Fields)))
	return res, nil
}

// Close releases the transport. Captures taken so far are discarded.
func (s *DiscoverySession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.tr.Close()
}

func (s *DiscoverySession) templateName() string {
	name := strings.TrimSpace(s.dev.Manufacturer + " " + s.dev.Model)
	if name == "" {
		name = s.dev.Name
	}
	return name + " scale protocol"
}

// capture reads raw bytes for one window. Timeouts inside the window are
// quiet stretches on the line, not failures; any other transport error aborts
// the capture and nothing of it is kept.
func (s *DiscoverySession) capture(ctx context.Context, window time.Duration) ([]byte, error) {
	if err := s.tr.Connect(ctx); err != nil {
		return nil, err
	}
	deadline := s.clk.Now().Add(window)
	var buf []byte
	for s.clk.Now().Before(deadline) && len(buf) < maxCaptureBytes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := s.tr.Request(ctx, nil)
		if err != nil {
			if IsTimeout(err) && ctx.Err() == nil {
				continue
			}
			return nil, err
		}
		buf = append(buf, chunk...)
	}
	if len(buf) == 0 {
		return nil, DiscoveryErrorF("no bytes received in %s; check host, port and serial bridge settings", window)
	}
	return buf, nil
}

// discoverTemplate runs the full analysis over one baseline and two or more
// weight-step captures. captures[0] must be the baseline.
func discoverTemplate(captures []*discoveryCapture, name string, threshold float64) (*DiscoveryResult, error) {
	delim := inferDelimiter(captures)

	sets := make([][][]byte, len(captures))
	stats := make([]CaptureStats, len(captures))
	for i, c := range captures {
		frames := splitCapture(c.raw, delim)
		if len(frames) == 0 {
			return nil, DiscoveryErrorF("capture %q produced no complete frames with delimiter %q", c.label, delim)
		}
		sets[i] = frames
		stats[i] = CaptureStats{
			Label:        c.label,
			Weight:       c.weight,
			Frames:       len(frames),
			FrameLengths: lengthHistogram(frames),
		}
	}

	width, spread := frameLengthMode(sets)
	if spread > maxFrameLengthSpread {
		return nil, DiscoveryErrorF("unstable framing: frame lengths spread over %d bytes (dominant %d); check delimiter and bridge line settings", spread, width)
	}

	cols, err := columnStats(sets, width, captures)
	if err != nil {
		return nil, err
	}

	status := findStatusSpan(cols, sets, width)
	unit := findUnitSpan(cols, width)
	num, err := findNumericField(cols, sets, captures, status, unit, width)
	if err != nil {
		return nil, err
	}

	tpl := &ProtocolTemplate{
		Name:      name,
		Delimiter: string(delim),
		Encoding:  detectEncoding(sets),
	}
	if status != nil {
		tpl.Fields = append(tpl.Fields, FieldSpec{
			Name:   "stability",
			Start:  status.start,
			Length: status.end - status.start,
			Type:   FieldLookup,
			Values: stabilityLabels(status.symbols),
		})
	}
	decimals := num.decimals
	tpl.Fields = append(tpl.Fields, FieldSpec{
		Name:          "weight",
		Start:         num.start,
		Length:        num.end - num.start,
		Type:          FieldNumeric,
		DecimalPlaces: &decimals,
	})
	if unit != nil {
		tpl.Fields = append(tpl.Fields, FieldSpec{
			Name:   "unit",
			Start:  unit.start,
			Length: unit.end - unit.start,
			Type:   FieldLiteral,
		})
	}
	sort.Slice(tpl.Fields, func(a, b int) bool { return tpl.Fields[a].Start < tpl.Fields[b].Start })
	if err := tpl.Validate(); err != nil {
		return nil, DiscoveryErrorF("derived template is inconsistent: %v", err)
	}

	report := scoreTemplate(tpl, sets, num)
	report.Captures = stats
	tpl.ConfidenceScore = report.Overall

	res := &DiscoveryResult{
		Template: tpl,
		Report:   report,
		Accepted: report.Overall >= threshold,
	}
	if !res.Accepted && report.Diagnostic == "" {
		report.Diagnostic = fmt.Sprintf("overall confidence %.1f below threshold %.1f", report.Overall, threshold)
		res.Report = report
	}
	return res, nil
}

// inferDelimiter finds the shortest terminator sequence covering at least 95%
// of the captured bytes. When a qualifying byte is consistently preceded by
// another control byte the pair wins, which resolves the LF versus CR LF
// ambiguity in favour of CR LF. With no qualifying candidate CR LF is assumed.
func inferDelimiter(captures []*discoveryCapture) []byte {
	total := 0
	counts := map[byte]int{}
	covered := map[byte]int{}
	preceding := map[byte]map[byte]int{}
	following := map[byte]map[byte]int{}
	for _, c := range captures {
		raw := c.raw
		total += len(raw)
		for i, b := range raw {
			if !isDelimByte(b) {
				continue
			}
			counts[b]++
			if i > 0 {
				addByteCount(preceding, b, raw[i-1])
			}
			if i+1 < len(raw) {
				addByteCount(following, b, raw[i+1])
			}
		}
		for b := range counts {
			if last := bytes.LastIndexByte(raw, b); last >= 0 {
				covered[b] += last + 1
			}
		}
	}
	if total == 0 {
		return []byte("\r\n")
	}

	var qualified []byte
	for b, cov := range covered {
		if counts[b] >= minWeightSteps && float64(cov) >= delimiterCoverage*float64(total) {
			qualified = append(qualified, b)
		}
	}
	if len(qualified) == 0 {
		return []byte("\r\n")
	}
	isQualified := func(b byte) bool {
		for _, q := range qualified {
			if q == b {
				return true
			}
		}
		return false
	}

	// Keep only cluster-final bytes: a CR immediately followed by LF is the
	// middle of a terminator, not its end.
	var final []byte
	for _, b := range qualified {
		followedBy := 0
		for f, n := range following[b] {
			if isQualified(f) {
				followedBy += n
			}
		}
		if followedBy*2 < counts[b] {
			final = append(final, b)
		}
	}
	if len(final) == 0 {
		final = qualified
	}
	sort.Slice(final, func(i, j int) bool {
		if covered[final[i]] != covered[final[j]] {
			return covered[final[i]] > covered[final[j]]
		}
		return final[i] < final[j]
	})
	b := final[0]

	if p, share := dominantByte(preceding[b], counts[b]); share >= delimiterCoverage && isDelimByte(p) {
		return []byte{p, b}
	}
	return []byte{b}
}

func isDelimByte(b byte) bool {
	return b < 0x20 || b == 0x7f
}

func addByteCount(m map[byte]map[byte]int, key, b byte) {
	inner := m[key]
	if inner == nil {
		inner = map[byte]int{}
		m[key] = inner
	}
	inner[b]++
}

func dominantByte(m map[byte]int, total int) (byte, float64) {
	var best byte
	bestN := -1
	for b, n := range m {
		if n > bestN || (n == bestN && b < best) {
			best, bestN = b, n
		}
	}
	if bestN <= 0 || total == 0 {
		return 0, 0
	}
	return best, float64(bestN) / float64(total)
}

// splitCapture cuts a raw capture into complete frames. The capture starts
// and ends at arbitrary stream positions, so the segment before the first
// delimiter and the one after the last are dropped as partial. Empty frames
// from doubled delimiters are skipped.
func splitCapture(raw, delim []byte) [][]byte {
	parts := bytes.Split(raw, delim)
	if len(parts) < 3 {
		return nil
	}
	parts = parts[1 : len(parts)-1]
	out := make([][]byte, 0, len(parts))
	for _, p := range parts {
		if len(p) > 0 {
			out = append(out, p)
		}
	}
	return out
}

func lengthHistogram(frames [][]byte) map[int]int {
	h := make(map[int]int, 4)
	for _, f := range frames {
		h[len(f)]++
	}
	return h
}

// frameLengthMode returns the dominant frame length across all sets and the
// spread between the shortest and longest frame seen.
func frameLengthMode(sets [][][]byte) (mode, spread int) {
	counts := map[int]int{}
	minLen, maxLen := math.MaxInt, 0
	for _, frames := range sets {
		for _, f := range frames {
			counts[len(f)]++
			if len(f) < minLen {
				minLen = len(f)
			}
			if len(f) > maxLen {
				maxLen = len(f)
			}
		}
	}
	best := -1
	for l, n := range counts {
		if n > best || (n == best && l < mode) {
			mode, best = l, n
		}
	}
	return mode, maxLen - minLen
}

// colStat records the distinct bytes seen at one frame offset, per weight set
// and overall. Only frames of the dominant length contribute.
type colStat struct {
	perSet []map[byte]struct{}
	all    map[byte]struct{}
}

func (c *colStat) withinConstant() bool {
	for _, s := range c.perSet {
		if len(s) != 1 {
			return false
		}
	}
	return true
}

func (c *colStat) changesAcross() bool {
	ref := canonicalBytes(c.perSet[0])
	for _, s := range c.perSet[1:] {
		if canonicalBytes(s) != ref {
			return true
		}
	}
	return false
}

func (c *colStat) numericCompatible() bool {
	for b := range c.all {
		if !strings.ContainsRune(numericColChars, rune(b)) {
			return false
		}
	}
	return true
}

func (c *colStat) constantByte() (byte, bool) {
	if len(c.all) != 1 {
		return 0, false
	}
	for b := range c.all {
		return b, true
	}
	return 0, false
}

func canonicalBytes(s map[byte]struct{}) string {
	bs := make([]byte, 0, len(s))
	for b := range s {
		bs = append(bs, b)
	}
	sort.Slice(bs, func(i, j int) bool { return bs[i] < bs[j] })
	return string(bs)
}

func columnStats(sets [][][]byte, width int, captures []*discoveryCapture) ([]colStat, error) {
	cols := make([]colStat, width)
	for i := range cols {
		cols[i].perSet = make([]map[byte]struct{}, len(sets))
		cols[i].all = map[byte]struct{}{}
		for k := range sets {
			cols[i].perSet[k] = map[byte]struct{}{}
		}
	}
	for k, frames := range sets {
		n := 0
		for _, f := range frames {
			if len(f) != width {
				continue
			}
			n++
			for i, b := range f {
				cols[i].perSet[k][b] = struct{}{}
				cols[i].all[b] = struct{}{}
			}
		}
		if n == 0 {
			return nil, DiscoveryErrorF("capture %q has no frames of the dominant length %d", captures[k].label, width)
		}
	}
	return cols, nil
}

// statusSpan is a candidate stability indicator: columns constant within each
// weight set but differing between sets. symbols holds the span text per set,
// index-aligned with the captures.
type statusSpan struct {
	start, end int
	symbols    []string
}

// findStatusSpan locates the leftmost run of status-candidate columns of
// length two or three whose distinct texts across all sets stay within the
// symbol budget. Longer runs are truncated to three columns.
func findStatusSpan(cols []colStat, sets [][][]byte, width int) *statusSpan {
	isStatus := func(i int) bool {
		return cols[i].withinConstant() && cols[i].changesAcross()
	}
	for i := 0; i < width; {
		if !isStatus(i) {
			i++
			continue
		}
		j := i
		for j < width && isStatus(j) {
			j++
		}
		if j-i >= 2 {
			end := i + min(j-i, 3)
			symbols := spanTexts(sets, i, end, width)
			if len(distinctStrings(symbols)) <= maxStatusSymbols {
				return &statusSpan{start: i, end: end, symbols: symbols}
			}
		}
		i = j
	}
	return nil
}

// spanTexts returns the column span text of each set, taken from the first
// frame of the dominant width.
func spanTexts(sets [][][]byte, start, end, width int) []string {
	out := make([]string, len(sets))
	for k, frames := range sets {
		for _, f := range frames {
			if len(f) == width {
				out[k] = string(f[start:end])
				break
			}
		}
	}
	return out
}

func distinctStrings(in []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// stabilityLabels maps observed status symbols to labels. The standard ST/US
// abbreviations map directly; with exactly two unknown symbols the one shown
// while test weights sat settled on the platform becomes "stable". Three or
// four symbols keep their own text as label.
func stabilityLabels(symbols []string) map[string]string {
	distinct := distinctStrings(symbols)
	values := make(map[string]string, len(distinct))

	if len(distinct) == 2 {
		a := strings.ToUpper(strings.TrimSpace(distinct[0]))
		b := strings.ToUpper(strings.TrimSpace(distinct[1]))
		if (a == "ST" && b == "US") || (a == "US" && b == "ST") {
			for _, s := range distinct {
				if strings.ToUpper(strings.TrimSpace(s)) == "ST" {
					values[s] = "stable"
				} else {
					values[s] = "unstable"
				}
			}
			return values
		}
		// symbols[0] is the baseline capture; steps carry settled weights.
		stepSymbol := mostFrequent(symbols[1:])
		for _, s := range distinct {
			if s == stepSymbol {
				values[s] = "stable"
			} else {
				values[s] = "unstable"
			}
		}
		return values
	}

	for _, s := range distinct {
		values[s] = strings.TrimSpace(s)
	}
	return values
}

func mostFrequent(in []string) string {
	counts := map[string]int{}
	best, bestN := "", -1
	for _, s := range in {
		counts[s]++
		if counts[s] > bestN || (counts[s] == bestN && s < best) {
			best, bestN = s, counts[s]
		}
	}
	return best
}

// unitSpan is a trailing run of letter columns constant across every capture.
type unitSpan struct {
	start, end int
	text       string
}

func findUnitSpan(cols []colStat, width int) *unitSpan {
	end := width
	for end > 0 {
		b, ok := cols[end-1].constantByte()
		if ok && b == ' ' {
			end--
			continue
		}
		break
	}
	start := end
	var text []byte
	for start > 0 {
		b, ok := cols[start-1].constantByte()
		if !ok || !isLetterByte(b) {
			break
		}
		text = append([]byte{b}, text...)
		start--
	}
	if n := end - start; n < 1 || n > 8 {
		return nil
	}
	return &unitSpan{start: start, end: end, text: string(text)}
}

func isLetterByte(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

// numericField is the weight column span with its decimal interpretation and
// the correlation it achieved against the ground-truth weights.
type numericField struct {
	start, end int
	decimals   int
	r          float64
	slope      float64
	absErr     float64
}

// findNumericField searches contiguous numeric-compatible column spans for
// the one whose decoded values track the test weights. The span is clamped to
// leave one separator column after a status field and to stop at the unit
// text. Interpretations are ranked by correlation, then by absolute error.
func findNumericField(cols []colStat, sets [][][]byte, captures []*discoveryCapture, status *statusSpan, unit *unitSpan, width int) (*numericField, error) {
	weights := make([]float64, len(captures))
	for i, c := range captures {
		weights[i] = c.weight
	}

	var best *numericField
	bestR := 0.0
	i := 0
	for i < width {
		if !cols[i].numericCompatible() {
			i++
			continue
		}
		j := i
		hasValue := false
		for j < width && cols[j].numericCompatible() {
			if cols[j].changesAcross() {
				hasValue = true
			}
			j++
		}
		lo, hi := i, j
		i = j
		if !hasValue {
			continue
		}
		if status != nil && status.end >= lo && status.end < hi {
			lo = status.end + 1
		}
		if unit != nil && unit.start > lo && unit.start < hi {
			hi = unit.start
		}
		if hi-lo < 1 {
			continue
		}

		for _, d := range candidateDecimals(sets, lo, hi, width) {
			cand, ok := evaluateSpan(sets, weights, lo, hi, d, width)
			if !ok {
				continue
			}
			if cand.r > bestR {
				bestR = cand.r
			}
			if cand.r < pearsonMin {
				continue
			}
			if ns := normalizedSlope(cand.slope); math.Abs(ns-1) > slopeTolerance {
				continue
			}
			if best == nil || cand.r > best.r || (cand.r == best.r && cand.absErr < best.absErr) {
				best = cand
			}
		}
	}
	if best == nil {
		return nil, DiscoveryErrorF("no column span tracks the test weights (best correlation %.3f, need %.2f); add a heavier step or restart with the scale settled", bestR, pearsonMin)
	}
	return best, nil
}

// candidateDecimals picks the decimal interpretations to try for one span.
// A consistently explicit decimal point fixes the count; otherwise every
// implied count up to four is tried.
func candidateDecimals(sets [][][]byte, lo, hi, width int) []int {
	total, withPoint := 0, 0
	widths := map[int]int{}
	for _, frames := range sets {
		for _, f := range frames {
			if len(f) != width {
				continue
			}
			total++
			text := string(f[lo:hi])
			if dot := strings.LastIndexByte(text, '.'); dot >= 0 {
				withPoint++
				frac := len(strings.TrimRight(text[dot+1:], " "))
				widths[frac]++
			}
		}
	}
	if total > 0 && float64(withPoint) >= 0.9*float64(total) {
		best, bestN := 0, -1
		for w, n := range widths {
			if n > bestN || (n == bestN && w < best) {
				best, bestN = w, n
			}
		}
		if best <= maxInferredDecimals {
			return []int{best}
		}
	}
	out := make([]int, 0, maxInferredDecimals+1)
	for d := 0; d <= maxInferredDecimals; d++ {
		out = append(out, d)
	}
	return out
}

// evaluateSpan decodes the span in every frame, reduces each capture to its
// median value and fits value against weight. ok is false when the span does
// not decode or the fit is degenerate.
func evaluateSpan(sets [][][]byte, weights []float64, lo, hi, d, width int) (*numericField, bool) {
	values := make([]float64, len(sets))
	for k, frames := range sets {
		var parsed []float64
		n := 0
		for _, f := range frames {
			if len(f) != width {
				continue
			}
			n++
			_, v, err := parseNumeric(string(f[lo:hi]), d)
			if err != nil {
				continue
			}
			parsed = append(parsed, v)
		}
		if n == 0 || len(parsed)*2 < n {
			return nil, false
		}
		values[k] = median(parsed)
	}
	if !monotonic(weights, values) {
		return nil, false
	}
	r, slope := pearsonFit(weights, values)
	if slope <= 0 {
		return nil, false
	}
	scale := math.Pow10(int(math.Round(math.Log10(slope))))
	var errSum float64
	for i := range weights {
		errSum += math.Abs(values[i]/scale - weights[i])
	}
	return &numericField{
		start:    lo,
		end:      hi,
		decimals: d,
		r:        r,
		slope:    slope,
		absErr:   errSum / float64(len(weights)),
	}, true
}

func median(in []float64) float64 {
	s := append([]float64(nil), in...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// monotonic checks that decoded values strictly increase with the weights.
func monotonic(weights, values []float64) bool {
	idx := make([]int, len(weights))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return weights[idx[a]] < weights[idx[b]] })
	for i := 1; i < len(idx); i++ {
		prev, cur := idx[i-1], idx[i]
		if weights[cur] > weights[prev] && values[cur] <= values[prev] {
			return false
		}
	}
	return true
}

func pearsonFit(xs, ys []float64) (r, slope float64) {
	n := float64(len(xs))
	if n < 2 {
		return 0, 0
	}
	var sx, sy, sxx, syy, sxy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxx += xs[i] * xs[i]
		syy += ys[i] * ys[i]
		sxy += xs[i] * ys[i]
	}
	cov := sxy - sx*sy/n
	varX := sxx - sx*sx/n
	varY := syy - sy*sy/n
	if varX <= 0 || varY <= 0 {
		return 0, 0
	}
	return cov / math.Sqrt(varX*varY), cov / varX
}

// normalizedSlope removes the decade factor a unit mismatch introduces, so a
// scale reporting grams against weights entered in kilograms still fits.
func normalizedSlope(slope float64) float64 {
	if slope <= 0 {
		return slope
	}
	return slope / math.Pow10(int(math.Round(math.Log10(slope))))
}

func detectEncoding(sets [][][]byte) string {
	for _, frames := range sets {
		for _, f := range frames {
			for _, b := range f {
				if b >= 0x80 {
					return "UTF-8"
				}
			}
		}
	}
	return "ASCII"
}

// scoreTemplate applies the draft to every captured frame and combines the
// parse rate with the weight correlation. Per-field failures feed the
// operator diagnostic.
func scoreTemplate(tpl *ProtocolTemplate, sets [][][]byte, num *numericField) ConfidenceReport {
	total, okFrames := 0, 0
	failures := map[string]int{}
	for _, frames := range sets {
		for _, f := range frames {
			total++
			ok := true
			for _, field := range tpl.Fields {
				if field.Type == FieldIgnore {
					continue
				}
				if _, err := tpl.applyField(field, f); err != nil {
					failures[field.Name]++
					ok = false
				}
			}
			if ok {
				okFrames++
			}
		}
	}

	report := ConfidenceReport{
		NumericScore: num.r * 100,
	}
	if total > 0 {
		report.FormatScore = float64(okFrames) / float64(total) * 100
	}
	report.Overall = min(report.FormatScore, report.NumericScore)

	if len(failures) > 0 {
		worst, worstN := "", -1
		for name, n := range failures {
			if n > worstN || (n == worstN && name < worst) {
				worst, worstN = name, n
			}
		}
		report.WeakestField = worst
		report.Diagnostic = fmt.Sprintf("field %q failed to parse %d of %d captured frames", worst, worstN, total)
	} else if report.NumericScore < report.FormatScore {
		report.WeakestField = "weight"
		report.Diagnostic = fmt.Sprintf("field \"weight\": correlation %.3f against the test weights", num.r)
	}
	return report
}

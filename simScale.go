package adam

/*
This file contains a scale indicator simulator: a TCP listener streaming
delimited frames rendered from a protocol template at a fixed cadence.
Weight, stability and the unit text are adjustable while it runs, and an
optional flicker inverts the stability flag periodically the way a settling
platform does. testScaleSim wraps it as an executable; discovery and scale
tests point sessions at it.
*/

import (
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ScaleSim is a TCP scale indicator simulator.
type ScaleSim struct {
	tpl      *ProtocolTemplate
	delim    []byte
	interval time.Duration
	log      *zap.Logger
	ln       net.Listener
	wg       sync.WaitGroup

	mu      sync.Mutex
	weight  float64
	stable  bool
	unit    string
	flicker int
	frames  uint64
	conns   map[net.Conn]struct{}
	closed  bool
}

// NewScaleSim listens on addr and streams frames rendered from tpl every
// interval to each connected client.
func NewScaleSim(addr string, tpl *ProtocolTemplate, interval time.Duration, log *zap.Logger) (*ScaleSim, error) {
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, TransportErrorF("scale sim listen on %s: %v", addr, err)
	}
	s := &ScaleSim{
		tpl:      tpl,
		delim:    tpl.DelimiterBytes(),
		interval: interval,
		log:      log.With(zap.String("sim", "scale"), zap.String("addr", ln.Addr().String())),
		ln:       ln,
		stable:   true,
		unit:     "kg",
		conns:    map[net.Conn]struct{}{},
	}
	s.log.Info("scale simulator listening", zap.Duration("interval", interval))
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

// Addr returns the listen address.
func (s *ScaleSim) Addr() string { return s.ln.Addr().String() }

// SetWeight sets the displayed weight.
func (s *ScaleSim) SetWeight(w float64) {
	s.mu.Lock()
	s.weight = w
	s.mu.Unlock()
}

// SetStable sets the stability flag.
func (s *ScaleSim) SetStable(stable bool) {
	s.mu.Lock()
	s.stable = stable
	s.mu.Unlock()
}

// SetUnit sets the text rendered into a literal field named "unit".
func (s *ScaleSim) SetUnit(unit string) {
	s.mu.Lock()
	s.unit = unit
	s.mu.Unlock()
}

// SetFlicker inverts the stability flag on every n-th frame; 0 disables.
func (s *ScaleSim) SetFlicker(n int) {
	s.mu.Lock()
	s.flicker = n
	s.mu.Unlock()
}

// Close stops the listener and drops every open connection.
func (s *ScaleSim) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	err := s.ln.Close()
	s.wg.Wait()
	s.log.Info("scale simulator stopped")
	return err
}

func (s *ScaleSim) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *ScaleSim) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for range t.C {
		frame, err := s.frame()
		if err != nil {
			s.log.Warn("frame render failed", zap.Error(err))
			continue
		}
		if _, err := conn.Write(append(frame, s.delim...)); err != nil {
			return
		}
	}
}

// frame renders the current state through the template.
func (s *ScaleSim) frame() ([]byte, error) {
	s.mu.Lock()
	weight, stable, unit := s.weight, s.stable, s.unit
	s.frames++
	if s.flicker > 0 && s.frames%uint64(s.flicker) == 0 {
		stable = !stable
	}
	s.mu.Unlock()

	values := make(map[string]FieldValue, len(s.tpl.Fields))
	for _, f := range s.tpl.Fields {
		switch f.Type {
		case FieldNumeric:
			values[f.Name] = FieldValue{Kind: FieldNumeric, Number: weight}
		case FieldLookup:
			label := "stable"
			if !stable {
				label = "unstable"
			}
			values[f.Name] = lookupValue(f, label)
		case FieldLiteral:
			text := ""
			if f.Name == "unit" {
				text = unit
			}
			values[f.Name] = FieldValue{Kind: FieldLiteral, Text: text}
		}
	}
	return s.tpl.Format(values)
}

// lookupValue picks the symbol for a label, falling back to the first symbol
// for templates with custom labels.
func lookupValue(f FieldSpec, label string) FieldValue {
	for _, l := range f.Values {
		if l == label {
			return FieldValue{Kind: FieldLookup, Label: label}
		}
	}
	syms := make([]string, 0, len(f.Values))
	for sym := range f.Values {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	if len(syms) > 0 {
		return FieldValue{Kind: FieldLookup, Text: syms[0]}
	}
	return FieldValue{Kind: FieldLookup}
}

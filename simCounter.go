package adam

/*
This file contains a minimal ADAM-6051 stand-in: a Modbus/TCP server backed
by a small register cache. It answers the two register read functions the
counter poller uses and can be switched into failure modes to exercise the
retry, timeout and health paths. testCounterSim wraps it as an executable.
*/

import (
	"bufio"
	"net"
	"sync"

	"go.uber.org/zap"
)

// counterSimRegisters bounds the simulated register space per register kind.
const counterSimRegisters = 256

// SimFailure selects how the counter simulator misbehaves.
type SimFailure int

const (
	// SimFailNone answers normally.
	SimFailNone SimFailure = iota
	// SimFailMute consumes requests without answering; clients time out.
	SimFailMute
	// SimFailException answers every request with a server failure exception.
	SimFailException
	// SimFailCorrupt answers with a mismatched transaction id.
	SimFailCorrupt
)

// CounterSim is a Modbus/TCP counter device simulator.
type CounterSim struct {
	unit byte
	log  *zap.Logger
	ln   net.Listener
	wg   sync.WaitGroup

	mu      sync.Mutex
	holding [counterSimRegisters]uint16
	input   [counterSimRegisters]uint16
	fail    SimFailure
	conns   map[net.Conn]struct{}
	closed  bool
}

// NewCounterSim listens on addr ("127.0.0.1:0" picks an ephemeral port) and
// answers requests for the given unit id until Close.
func NewCounterSim(addr string, unit byte, log *zap.Logger) (*CounterSim, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, TransportErrorF("counter sim listen on %s: %v", addr, err)
	}
	s := &CounterSim{
		unit:  unit,
		log:   log.With(zap.String("sim", "counter"), zap.String("addr", ln.Addr().String())),
		ln:    ln,
		conns: map[net.Conn]struct{}{},
	}
	s.log.Info("counter simulator listening", zap.Uint8("unit_id", unit))
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

// Addr returns the listen address.
func (s *CounterSim) Addr() string { return s.ln.Addr().String() }

// SetCounter writes value into count consecutive registers starting at
// start. WordOrderBig stores the most significant word first.
func (s *CounterSim) SetCounter(kind RegisterKind, start uint16, count int, order WordOrder, value uint64) {
	words := make([]uint16, count)
	for i := count - 1; i >= 0; i-- {
		words[i] = uint16(value)
		value >>= 16
	}
	if order == WordOrderLittle {
		for i, j := 0, len(words)-1; i < j; i, j = i+1, j-1 {
			words[i], words[j] = words[j], words[i]
		}
	}
	s.SetRegisters(kind, start, words)
}

// SetRegisters writes raw words into the register cache. Writes past the
// register space are ignored.
func (s *CounterSim) SetRegisters(kind RegisterKind, start uint16, words []uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	regs := s.regs(kind)
	for i, w := range words {
		if idx := int(start) + i; idx < len(regs) {
			regs[idx] = w
		}
	}
}

func (s *CounterSim) regs(kind RegisterKind) *[counterSimRegisters]uint16 {
	if kind == HoldingRegister {
		return &s.holding
	}
	return &s.input
}

// Fail switches the failure mode for subsequent requests.
func (s *CounterSim) Fail(mode SimFailure) {
	s.mu.Lock()
	s.fail = mode
	s.mu.Unlock()
}

// Close stops the listener and drops every open connection.
func (s *CounterSim) Close() error {
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
	s.log.Info("counter simulator stopped")
	return err
}

func (s *CounterSim) accept() {
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

func (s *CounterSim) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()
	br := bufio.NewReader(conn)
	for {
		frame, err := mbapFramer{}.ReadFrame(br)
		if err != nil {
			return
		}
		reply := s.handle(frame)
		if reply == nil {
			continue
		}
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

// handle builds the reply for one request frame; nil means stay silent.
func (s *CounterSim) handle(frame []byte) []byte {
	if len(frame) < mbapHeaderLen+1 {
		return nil
	}
	txid := getWord(frame, 0)
	if getWord(frame, 2) != 0 {
		return nil
	}
	unit := frame[6]
	fn := frame[7]

	s.mu.Lock()
	mode := s.fail
	s.mu.Unlock()

	// A device on another unit id never sees the request.
	if unit != s.unit || mode == SimFailMute {
		return nil
	}
	if mode == SimFailCorrupt {
		txid++
	}
	if mode == SimFailException {
		return mbapReply(txid, unit, []byte{fn | 0x80, 4})
	}
	if fn != fnReadHolding && fn != fnReadInput {
		return mbapReply(txid, unit, []byte{fn | 0x80, 1})
	}
	if len(frame) != mbapHeaderLen+5 {
		return mbapReply(txid, unit, []byte{fn | 0x80, 3})
	}
	start := getWord(frame, 8)
	count := getWord(frame, 10)
	if count < 1 || count > 125 {
		return mbapReply(txid, unit, []byte{fn | 0x80, 3})
	}
	if int(start)+int(count) > counterSimRegisters {
		return mbapReply(txid, unit, []byte{fn | 0x80, 2})
	}

	kind := InputRegister
	if fn == fnReadHolding {
		kind = HoldingRegister
	}
	var b pduBuilder
	b.byte(fn)
	b.byte(byte(count * 2))
	s.mu.Lock()
	regs := s.regs(kind)
	for i := 0; i < int(count); i++ {
		b.word(regs[int(start)+i])
	}
	s.mu.Unlock()
	return mbapReply(txid, unit, b.payload())
}

func mbapReply(txid uint16, unit byte, pdu []byte) []byte {
	out := make([]byte, mbapHeaderLen+len(pdu))
	setWord(out, 0, txid)
	setWord(out, 2, 0)
	setWord(out, 4, uint16(1+len(pdu)))
	out[6] = unit
	copy(out[7:], pdu)
	return out
}

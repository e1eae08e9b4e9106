package adam

/*
This file contains the TCP transport shared by both device families. One
transport instance owns the socket to one device. Requests are single-flight:
a mutex serialises callers, so at most one request is on the wire per device
at any time.

Framing differs per family (MBAP length-prefixed frames for counters,
delimiter-terminated lines for scales) and is injected as a framer. Any I/O
or framing error closes the socket; the next request dials again. Liveness is
inferred from successful reads, not from TCP keep-alive.
*/

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// framer extracts exactly one response frame from the stream.
type framer interface {
	ReadFrame(r *bufio.Reader) ([]byte, error)
}

// Transport is the connection to one device.
type Transport interface {
	// Connect dials the device if not already connected.
	Connect(ctx context.Context) error
	// Request sends req and returns the next complete frame. A nil req
	// reads without writing, for devices that stream unsolicited frames.
	Request(ctx context.Context, req []byte) ([]byte, error)
	// Close releases the socket. The transport remains usable; the next
	// request reconnects.
	Close() error
	// Connected reports whether a socket is currently open.
	Connected() bool
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type tcpTransport struct {
	addr    string
	timeout time.Duration
	framer  framer
	log     *zap.Logger
	dial    dialFunc

	mu        sync.Mutex
	conn      net.Conn
	br        *bufio.Reader
	connected atomic.Bool
}

func newTCPTransport(addr string, timeout time.Duration, f framer, log *zap.Logger) *tcpTransport {
	d := &net.Dialer{}
	return &tcpTransport{
		addr:    addr,
		timeout: timeout,
		framer:  f,
		log:     log,
		dial:    d.DialContext,
	}
}

func (t *tcpTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectLocked(ctx)
}

func (t *tcpTransport) connectLocked(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	dctx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	conn, err := t.dial(dctx, "tcp", t.addr)
	if err != nil {
		return classifyIO(ctx, "connect "+t.addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		// Latency matters more than throughput for request/response traffic.
		_ = tc.SetNoDelay(true)
	}
	t.conn = conn
	t.br = bufio.NewReaderSize(conn, 512)
	t.connected.Store(true)
	t.log.Debug("connected", zap.String("addr", t.addr))
	return nil
}

func (t *tcpTransport) Request(ctx context.Context, req []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.connectLocked(ctx); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		t.dropLocked()
		return nil, wrapTransport("set deadline", err)
	}

	// Cancellation force-closes the socket so in-flight I/O aborts early
	// instead of running out its deadline.
	watchdogDone := make(chan struct{})
	go func(c net.Conn) {
		select {
		case <-ctx.Done():
			c.Close()
		case <-watchdogDone:
		}
	}(t.conn)
	defer close(watchdogDone)

	if len(req) > 0 {
		if _, err := t.conn.Write(req); err != nil {
			t.dropLocked()
			return nil, classifyIO(ctx, "write", err)
		}
	}
	frame, err := t.framer.ReadFrame(t.br)
	if err != nil {
		// Framing errors desynchronise the stream, so the socket goes too.
		t.dropLocked()
		return nil, classifyIO(ctx, "read", err)
	}
	return frame, nil
}

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropLocked()
	return nil
}

func (t *tcpTransport) Connected() bool {
	return t.connected.Load()
}

func (t *tcpTransport) dropLocked() {
	if t.conn == nil {
		return
	}
	t.conn.Close()
	t.conn = nil
	t.br = nil
	t.connected.Store(false)
	t.log.Debug("connection dropped", zap.String("addr", t.addr))
}

// classifyIO maps raw I/O failures onto the error taxonomy. Errors that are
// already classified (framer protocol errors) pass through untouched, and a
// cancelled context wins over whatever the aborted read reported.
func classifyIO(ctx context.Context, op string, err error) error {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return wrapTimeout(op+" deadline exceeded", err)
	}
	return wrapTransport(op+" failed", err)
}

// lineFramer reads until the delimiter and returns the payload without it.
// Streams that emit consecutive delimiters yield empty frames; callers skip
// those.
type lineFramer struct {
	delim []byte
	max   int
}

func newLineFramer(delim []byte) lineFramer {
	return lineFramer{delim: delim, max: 1024}
}

func (l lineFramer) ReadFrame(r *bufio.Reader) ([]byte, error) {
	last := l.delim[len(l.delim)-1]
	var buf []byte
	for {
		chunk, err := r.ReadBytes(last)
		buf = append(buf, chunk...)
		if err != nil {
			return nil, err
		}
		if bytes.HasSuffix(buf, l.delim) {
			return buf[:len(buf)-len(l.delim)], nil
		}
		if l.max > 0 && len(buf) > l.max {
			return nil, ProtocolErrorF("no delimiter within %d bytes", l.max)
		}
	}
}

// chunkFramer returns whatever bytes are available, up to max. Discovery
// captures with it before any delimiter is known.
type chunkFramer struct {
	max int
}

func (c chunkFramer) ReadFrame(r *bufio.Reader) ([]byte, error) {
	buf := make([]byte, c.max)
	n, err := r.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

// Package client talks to a greeting server: it sends one payload per
// connection and reads the reply until the server closes.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// ErrEmptyReply is returned when the server closed without replying.
var ErrEmptyReply = errors.New("server closed the connection without a reply")

// Result is the outcome of one probe.
type Result struct {
	Reply     []byte
	Sent      int
	RoundTrip time.Duration
}

// Prober opens one connection per Probe call.
type Prober struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
	maxRead int64

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

// NewProber creates a prober for addr. timeout bounds each whole exchange;
// 0 means no deadline.
func NewProber(addr string, timeout time.Duration) (*Prober, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", addr, err)
	}
	return &Prober{
		addr:    addr,
		timeout: timeout,
		maxRead: 1 << 20,
	}, nil
}

// Addr returns the server address
func (p *Prober) Addr() string {
	return p.addr
}

// Probe dials the server, writes payload, half-closes the write side and
// reads until EOF.
func (p *Prober) Probe(ctx context.Context, payload []byte) (*Result, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", p.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}

	sent, err := conn.Write(payload)
	p.bytesSent.Add(uint64(sent))
	if err != nil {
		return nil, fmt.Errorf("failed to send: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err != nil {
			return nil, fmt.Errorf("failed to half-close: %w", err)
		}
	}

	reply, err := io.ReadAll(io.LimitReader(conn, p.maxRead))
	p.bytesReceived.Add(uint64(len(reply)))
	if err != nil {
		return nil, fmt.Errorf("failed to read reply: %w", err)
	}
	if len(reply) == 0 {
		return nil, ErrEmptyReply
	}

	return &Result{Reply: reply, Sent: sent, RoundTrip: time.Since(start)}, nil
}

// Traffic returns the bytes sent and received across all probes
func (p *Prober) Traffic() (sent, received uint64) {
	return p.bytesSent.Load(), p.bytesReceived.Load()
}

// Stats tracks probe outcomes
type Stats struct {
	succeeded         atomic.Int64
	failed            atomic.Int64
	mismatched        atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
}

func (s *Stats) RecordSuccess(rtt time.Duration) {
	s.succeeded.Add(1)
	s.totalResponseTime.Add(rtt.Microseconds())
}

func (s *Stats) RecordFailure() {
	s.failed.Add(1)
}

// RecordMismatch counts a reply that differs from the expected one
func (s *Stats) RecordMismatch() {
	s.mismatched.Add(1)
}

// Snapshot returns the current counters and the mean round trip of
// successful probes.
func (s *Stats) Snapshot() (succeeded, failed, mismatched int64, avgResponse time.Duration) {
	succeeded = s.succeeded.Load()
	failed = s.failed.Load()
	mismatched = s.mismatched.Load()
	if succeeded > 0 {
		avgResponse = time.Duration(s.totalResponseTime.Load()/succeeded) * time.Microsecond
	}
	return succeeded, failed, mismatched, avgResponse
}

package client

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/memdb-socket/pkg/server"
	"github.com/aeolun/memdb-socket/pkg/socket"
)

func startGreetingServer(t *testing.T) string {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	h, err := server.Bootstrap(socket.Loopback(socket.IPv4, 0), server.BootstrapOptions{
		ReuseAddress: true,
		Log:          log,
	})
	require.NoError(t, err)

	config := server.DefaultConfig()
	srv := server.NewServer(h, server.NewGreetingHandler(config, log), config, server.WithLogger(log))

	bound, err := srv.Addr()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		srv.Serve()
		close(done)
	}()
	t.Cleanup(func() {
		srv.Close()
		<-done
	})

	return bound.String()
}

func TestProbeReceivesGreeting(t *testing.T) {
	addr := startGreetingServer(t)

	p, err := NewProber(addr, 5*time.Second)
	require.NoError(t, err)

	res, err := p.Probe(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), res.Reply)
	assert.Equal(t, 5, res.Sent)
	assert.Positive(t, res.RoundTrip)

	sent, received := p.Traffic()
	assert.Equal(t, uint64(5), sent)
	assert.Equal(t, uint64(5), received)
}

func TestProbeRepeatedly(t *testing.T) {
	addr := startGreetingServer(t)

	p, err := NewProber(addr, 5*time.Second)
	require.NoError(t, err)

	var stats Stats
	for i := 0; i < 10; i++ {
		res, err := p.Probe(context.Background(), []byte("hello"))
		require.NoError(t, err)
		stats.RecordSuccess(res.RoundTrip)
	}

	succeeded, failed, mismatched, _ := stats.Snapshot()
	assert.Equal(t, int64(10), succeeded)
	assert.Zero(t, failed)
	assert.Zero(t, mismatched)
}

func TestProbeEmptyReply(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		io.Copy(io.Discard, conn)
		conn.Close()
	}()

	p, err := NewProber(ln.Addr().String(), 5*time.Second)
	require.NoError(t, err)

	_, err = p.Probe(context.Background(), []byte("hello"))
	assert.ErrorIs(t, err, ErrEmptyReply)
}

func TestProbeConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	p, err := NewProber(addr, time.Second)
	require.NoError(t, err)

	_, err = p.Probe(context.Background(), []byte("hello"))
	assert.Error(t, err)
}

func TestNewProberRejectsBadAddress(t *testing.T) {
	_, err := NewProber("localhost", time.Second)
	assert.Error(t, err)
}

func TestStatsSnapshot(t *testing.T) {
	var s Stats
	s.RecordSuccess(2 * time.Millisecond)
	s.RecordSuccess(4 * time.Millisecond)
	s.RecordFailure()
	s.RecordMismatch()

	succeeded, failed, mismatched, avg := s.Snapshot()
	assert.Equal(t, int64(2), succeeded)
	assert.Equal(t, int64(1), failed)
	assert.Equal(t, int64(1), mismatched)
	assert.Equal(t, 3*time.Millisecond, avg)
}

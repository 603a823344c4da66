package socket

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandle(t *testing.T, domain Domain, kind Kind, proto Protocol) *Handle {
	t.Helper()
	h, err := Create(domain, kind, proto)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func requireIPv6(t *testing.T) {
	t.Helper()
	ln, err := net.Listen("tcp6", "[::1]:0")
	if err != nil {
		t.Skipf("ipv6 loopback not available: %v", err)
	}
	ln.Close()
}

// listening returns a handle bound to an ephemeral loopback port and
// listening on it.
func listening(t *testing.T) (*Handle, BoundAddress) {
	t.Helper()
	h := newHandle(t, IPv4, Stream, TCP)
	require.NoError(t, Configure(h))
	require.NoError(t, Bind(h, Loopback(IPv4, 0)))
	require.NoError(t, Listen(h, DefaultBacklog))
	addr, err := LocalAddress(h)
	require.NoError(t, err)
	return h, addr
}

func TestCreate(t *testing.T) {
	tests := []struct {
		name   string
		domain Domain
		kind   Kind
		proto  Protocol
		ipv6   bool
	}{
		{name: "ipv4 tcp", domain: IPv4, kind: Stream, proto: TCP},
		{name: "ipv4 stream default protocol", domain: IPv4, kind: Stream, proto: ProtocolDefault},
		{name: "ipv4 udp", domain: IPv4, kind: Datagram, proto: UDP},
		{name: "ipv4 datagram default protocol", domain: IPv4, kind: Datagram, proto: ProtocolDefault},
		{name: "ipv6 tcp", domain: IPv6, kind: Stream, proto: TCP, ipv6: true},
		{name: "ipv6 udp", domain: IPv6, kind: Datagram, proto: UDP, ipv6: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.ipv6 {
				requireIPv6(t)
			}
			h := newHandle(t, tt.domain, tt.kind, tt.proto)

			assert.Equal(t, StateCreated, h.State())
			assert.Equal(t, tt.domain, h.Domain())
			assert.Equal(t, tt.kind, h.Kind())
			assert.Equal(t, tt.proto, h.Protocol())

			_, err := LocalAddress(h)
			assert.ErrorIs(t, err, ErrUnbound)
		})
	}
}

func TestCreateRejectsUnknownDomain(t *testing.T) {
	h, err := Create(Domain(42), Stream, TCP)
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrAllocation)
	assert.True(t, IsStartup(err))
}

func TestCreateRejectsMismatchedProtocol(t *testing.T) {
	h, err := Create(IPv4, Datagram, TCP)
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrAllocation)
}

func TestBindEphemeralPortIPv4(t *testing.T) {
	h := newHandle(t, IPv4, Stream, TCP)

	require.NoError(t, Bind(h, Loopback(IPv4, 0)))
	assert.Equal(t, StateBound, h.State())

	addr, err := LocalAddress(h)
	require.NoError(t, err)
	assert.NotZero(t, addr.Port())
	assert.True(t, addr.Addr().Is4())
	assert.Equal(t, "127.0.0.1", addr.Addr().String())
	assert.Equal(t, IPv4, addr.Domain())
}

func TestBindEphemeralPortIPv6(t *testing.T) {
	requireIPv6(t)
	h := newHandle(t, IPv6, Stream, TCP)

	require.NoError(t, Bind(h, Loopback(IPv6, 0)))

	addr, err := LocalAddress(h)
	require.NoError(t, err)
	assert.NotZero(t, addr.Port())
	assert.True(t, addr.Addr().Is6())
	assert.Equal(t, "::1", addr.Addr().String())
	assert.Equal(t, IPv6, addr.Domain())
}

func TestBindUnspecifiedResolvesPort(t *testing.T) {
	h := newHandle(t, IPv4, Stream, TCP)
	require.NoError(t, Bind(h, Unspecified(IPv4, 0)))

	addr, err := LocalAddress(h)
	require.NoError(t, err)
	assert.True(t, addr.Addr().IsUnspecified())
	assert.NotZero(t, addr.Port())
}

func TestBindAddressInUse(t *testing.T) {
	_, addr := listening(t)

	second := newHandle(t, IPv4, Stream, TCP)
	err := Bind(second, Loopback(IPv4, addr.Port()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBind)
	assert.True(t, IsAddrInUse(err), "expected EADDRINUSE, got %v", err)
	assert.Equal(t, StateCreated, second.State())
}

func TestBindFamilyMismatch(t *testing.T) {
	h := newHandle(t, IPv4, Stream, TCP)

	err := Bind(h, Loopback(IPv6, 0))
	assert.ErrorIs(t, err, ErrBind)
	assert.ErrorIs(t, err, ErrFamilyMismatch)
}

func TestBindInvalidAddress(t *testing.T) {
	h := newHandle(t, IPv4, Stream, TCP)

	err := Bind(h, AddressSpec{Domain: IPv4, Port: 0})
	assert.ErrorIs(t, err, ErrBind)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestBindTwice(t *testing.T) {
	h := newHandle(t, IPv4, Stream, TCP)
	require.NoError(t, Bind(h, Loopback(IPv4, 0)))

	err := Bind(h, Loopback(IPv4, 0))
	assert.ErrorIs(t, err, ErrBind)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestConfigureSetsReuseAddress(t *testing.T) {
	h := newHandle(t, IPv4, Stream, TCP)

	enabled, err := h.ReuseAddress()
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, Configure(h))
	assert.Equal(t, StateConfigured, h.State())

	enabled, err = h.ReuseAddress()
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestConfigureAfterBind(t *testing.T) {
	h := newHandle(t, IPv4, Stream, TCP)
	require.NoError(t, Bind(h, Loopback(IPv4, 0)))

	err := Configure(h)
	assert.ErrorIs(t, err, ErrConfig)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateBound, h.State())
}

func TestReuseAddressAllowsRebind(t *testing.T) {
	first, addr := listening(t)

	// Server side closes first so the port lingers in TIME_WAIT.
	client, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	conn, err := Accept(first)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	_, _ = io.Copy(io.Discard, client)
	client.Close()
	require.NoError(t, first.Close())

	second := newHandle(t, IPv4, Stream, TCP)
	require.NoError(t, Configure(second))
	require.NoError(t, Bind(second, Loopback(IPv4, addr.Port())))
	require.NoError(t, Listen(second, DefaultBacklog))

	rebound, err := LocalAddress(second)
	require.NoError(t, err)
	assert.Equal(t, addr.Port(), rebound.Port())
}

func TestListen(t *testing.T) {
	h := newHandle(t, IPv4, Stream, TCP)
	require.NoError(t, Bind(h, Loopback(IPv4, 0)))

	require.NoError(t, Listen(h, 0))
	assert.Equal(t, StateListening, h.State())

	err := Listen(h, DefaultBacklog)
	assert.ErrorIs(t, err, ErrListen)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestListenBeforeBind(t *testing.T) {
	h := newHandle(t, IPv4, Stream, TCP)
	require.NoError(t, Configure(h))

	err := Listen(h, DefaultBacklog)
	assert.ErrorIs(t, err, ErrListen)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateConfigured, h.State())
}

func TestListenAfterShutdown(t *testing.T) {
	h := newHandle(t, IPv4, Stream, TCP)
	require.NoError(t, Bind(h, Loopback(IPv4, 0)))
	require.NoError(t, h.Shutdown())
	assert.Equal(t, StateShutdown, h.State())

	err := Listen(h, DefaultBacklog)
	assert.ErrorIs(t, err, ErrListen)
}

func TestListenAfterClose(t *testing.T) {
	h := newHandle(t, IPv4, Stream, TCP)
	require.NoError(t, Bind(h, Loopback(IPv4, 0)))
	require.NoError(t, h.Close())

	err := Listen(h, DefaultBacklog)
	assert.ErrorIs(t, err, ErrListen)
}

func TestListenDatagram(t *testing.T) {
	h := newHandle(t, IPv4, Datagram, UDP)
	require.NoError(t, Bind(h, Loopback(IPv4, 0)))

	err := Listen(h, DefaultBacklog)
	assert.ErrorIs(t, err, ErrListen)
	assert.False(t, errors.Is(err, ErrInvalidState), "expected an OS error, got %v", err)
	assert.Equal(t, StateBound, h.State())
}

func TestAcceptBeforeListen(t *testing.T) {
	h := newHandle(t, IPv4, Stream, TCP)
	require.NoError(t, Bind(h, Loopback(IPv4, 0)))

	conn, err := Accept(h)
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, ErrAccept)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestAcceptReturnsPeer(t *testing.T) {
	h, addr := listening(t)

	client, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer client.Close()

	conn, err := Accept(h)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, client.LocalAddr().String(), conn.Peer.String())
	assert.False(t, conn.AcceptedAt.IsZero())

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestAcceptUnblocksOnClose(t *testing.T) {
	h, _ := listening(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := Accept(h)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, h.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrAccept)
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not return after close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHandle(t, IPv4, Stream, TCP)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.Equal(t, StateClosed, h.State())

	_, err := h.ReuseAddress()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateCreated, "CREATED"},
		{StateConfigured, "CONFIGURED"},
		{StateBound, "BOUND"},
		{StateListening, "LISTENING"},
		{StateShutdown, "SHUTDOWN"},
		{StateClosed, "CLOSED"},
		{State(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.state.String())
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Class: ErrListen, Op: "listen", State: StateCreated, Err: ErrInvalidState}

	assert.Equal(t, "cannot listen on socket: listen (state CREATED): operation not allowed in current state", err.Error())
	assert.True(t, errors.Is(err, ErrListen))
	assert.False(t, errors.Is(err, ErrBind))
	assert.True(t, IsStartup(err))
	assert.False(t, IsStartup(IOError("read", io.ErrUnexpectedEOF)))
}

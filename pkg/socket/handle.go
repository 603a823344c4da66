package socket

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"
)

// Handle owns one socket descriptor. The descriptor is non-blocking and
// registered with the runtime poller, so a blocked Accept is woken when the
// handle is closed from another goroutine.
type Handle struct {
	mu     sync.Mutex
	file   *os.File
	domain Domain
	kind   Kind
	proto  Protocol
	state  State
}

// Conn is one accepted connection.
type Conn struct {
	net.Conn
	Peer       netip.AddrPort
	AcceptedAt time.Time
}

// Create allocates an unbound, unconfigured socket.
func Create(domain Domain, kind Kind, proto Protocol) (*Handle, error) {
	fd, err := sysSocket(domain, kind, proto)
	if err != nil {
		return nil, &Error{Class: ErrAllocation, Op: "socket", State: StateCreated, Err: err}
	}

	name := fmt.Sprintf("socket:%s/%s", domain, kind)
	return &Handle{
		file:   os.NewFile(fd, name),
		domain: domain,
		kind:   kind,
		proto:  proto,
		state:  StateCreated,
	}, nil
}

// Domain returns the address family the handle was created with
func (h *Handle) Domain() Domain { return h.domain }

// Kind returns the socket type the handle was created with
func (h *Handle) Kind() Kind { return h.kind }

// Protocol returns the protocol the handle was created with
func (h *Handle) Protocol() Protocol { return h.proto }

// State returns the current lifecycle state
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s/%s/%s [%s]", h.domain, h.kind, h.proto, h.State())
}

// control runs fn with the raw descriptor. Callers hold h.mu.
func (h *Handle) control(fn func(fd uintptr) error) error {
	rc, err := h.file.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := rc.Control(func(fd uintptr) { opErr = fn(fd) }); err != nil {
		return err
	}
	return opErr
}

func (h *Handle) fail(class error, op string, err error) error {
	return &Error{Class: class, Op: op, State: h.state, Err: err}
}

// Configure enables address reuse. It must run before Bind: the option only
// affects the bind that follows it.
func Configure(h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateCreated {
		return h.fail(ErrConfig, "setsockopt", ErrInvalidState)
	}
	if err := h.control(sysSetReuseAddr); err != nil {
		return h.fail(ErrConfig, "setsockopt", err)
	}

	h.state = StateConfigured
	return nil
}

// ReuseAddress reads back the address-reuse option.
func (h *Handle) ReuseAddress() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateClosed {
		return false, h.fail(ErrConfig, "getsockopt", ErrInvalidState)
	}
	var enabled bool
	err := h.control(func(fd uintptr) error {
		var err error
		enabled, err = sysGetReuseAddr(fd)
		return err
	})
	if err != nil {
		return false, h.fail(ErrConfig, "getsockopt", err)
	}
	return enabled, nil
}

// Bind associates the handle with a local address. Binding an unconfigured
// handle is allowed; it simply binds without address reuse.
func Bind(h *Handle, spec AddressSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateCreated && h.state != StateConfigured {
		return h.fail(ErrBind, "bind", ErrInvalidState)
	}
	if err := spec.Validate(); err != nil {
		return h.fail(ErrBind, "bind", err)
	}
	if spec.Domain != h.domain {
		return h.fail(ErrBind, "bind", fmt.Errorf("%w: %s address on %s socket", ErrFamilyMismatch, spec.Domain, h.domain))
	}

	if err := h.control(func(fd uintptr) error { return sysBind(fd, spec) }); err != nil {
		return h.fail(ErrBind, "bind", err)
	}

	h.state = StateBound
	return nil
}

// LocalAddress returns the address the kernel assigned at bind time,
// resolving an ephemeral port request to the concrete port.
func LocalAddress(h *Handle) (BoundAddress, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateBound, StateListening, StateShutdown:
	default:
		return BoundAddress{}, h.fail(ErrUnbound, "getsockname", ErrInvalidState)
	}

	var ap netip.AddrPort
	err := h.control(func(fd uintptr) error {
		var err error
		ap, err = sysGetsockname(fd)
		return err
	})
	if err != nil {
		return BoundAddress{}, h.fail(ErrUnbound, "getsockname", err)
	}

	if h.domain == IPv4 {
		ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return BoundAddress{AddrPort: ap}, nil
}

// Listen moves a bound handle into the listening state. A non-positive
// backlog uses DefaultBacklog. Listen succeeds at most once per handle.
func Listen(h *Handle, backlog int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateBound {
		return h.fail(ErrListen, "listen", ErrInvalidState)
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if err := h.control(func(fd uintptr) error { return sysListen(fd, backlog) }); err != nil {
		return h.fail(ErrListen, "listen", err)
	}

	h.state = StateListening
	return nil
}

// Accept blocks until a connection arrives on a listening handle.
// It fails with ErrAccept once the handle is shut down or closed.
func Accept(h *Handle) (*Conn, error) {
	h.mu.Lock()
	if h.state != StateListening {
		err := h.fail(ErrAccept, "accept", ErrInvalidState)
		h.mu.Unlock()
		return nil, err
	}
	rc, err := h.file.SyscallConn()
	h.mu.Unlock()
	if err != nil {
		return nil, &Error{Class: ErrAccept, Op: "accept", State: StateListening, Err: err}
	}

	var (
		nfd     uintptr
		peer    netip.AddrPort
		sysErr  error
		waiting bool
	)
	err = rc.Read(func(fd uintptr) bool {
		nfd, peer, waiting, sysErr = sysAccept(fd)
		return !waiting
	})
	if err == nil {
		err = sysErr
	}
	if err != nil {
		return nil, &Error{Class: ErrAccept, Op: "accept", State: h.State(), Err: err}
	}

	f := os.NewFile(nfd, "conn:"+peer.String())
	defer f.Close()

	c, err := net.FileConn(f)
	if err != nil {
		return nil, &Error{Class: ErrAccept, Op: "accept", State: StateListening, Err: err}
	}

	if h.domain == IPv4 {
		peer = netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port())
	}
	return &Conn{Conn: c, Peer: peer, AcceptedAt: time.Now()}, nil
}

// Shutdown disables both directions of the socket. The handle can no longer
// enter or stay in the listening state; Close must still be called.
func (h *Handle) Shutdown() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateClosed {
		return h.fail(ErrListen, "shutdown", ErrInvalidState)
	}
	if err := h.control(sysShutdown); err != nil {
		return h.fail(ErrListen, "shutdown", err)
	}

	h.state = StateShutdown
	return nil
}

// Close releases the descriptor. It is safe to call more than once and from
// a goroutine other than the one blocked in Accept.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateClosed {
		return nil
	}
	h.state = StateClosed
	return h.file.Close()
}

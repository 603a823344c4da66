// Package socket is a narrow platform-socket layer: it allocates raw socket
// descriptors and walks them through configure, bind, listen and accept.
//
// Callers never see a raw descriptor. Every operation checks the handle's
// lifecycle State first, so calling Listen before Bind or Accept before
// Listen fails immediately with a classified *Error instead of an ambiguous
// errno from the kernel.
package socket

// Domain is the address family of a socket.
type Domain int

const (
	IPv4 Domain = iota + 1
	IPv6
)

// String returns the string representation of the domain
func (d Domain) String() string {
	switch d {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// Kind is the socket type.
type Kind int

const (
	Stream Kind = iota + 1
	Datagram
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case Stream:
		return "stream"
	case Datagram:
		return "datagram"
	default:
		return "unknown"
	}
}

// Protocol selects the transport protocol. ProtocolDefault lets the kernel
// pick the default protocol for the domain and kind.
type Protocol int

const (
	ProtocolDefault Protocol = iota
	TCP
	UDP
)

// String returns the string representation of the protocol
func (p Protocol) String() string {
	switch p {
	case ProtocolDefault:
		return "default"
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "unknown"
	}
}

// State is the lifecycle phase of a Handle. Transitions only move forward.
type State int

const (
	StateCreated State = iota
	StateConfigured
	StateBound
	StateListening
	StateShutdown
	StateClosed
)

// String returns the string representation of the state
func (s State) String() string {
	states := []string{
		"CREATED", "CONFIGURED", "BOUND", "LISTENING", "SHUTDOWN", "CLOSED",
	}
	if s >= 0 && int(s) < len(states) {
		return states[s]
	}
	return "UNKNOWN"
}

// DefaultBacklog is the pending-connection queue length used by Listen when
// the caller passes a non-positive backlog.
const DefaultBacklog = 128

package socket

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// AddressSpec describes where a handle should be bound. Port 0 asks the
// kernel for an ephemeral port.
type AddressSpec struct {
	Domain Domain
	Host   netip.Addr
	Port   uint16
}

// NewAddressSpec builds a validated spec from a literal IP host.
func NewAddressSpec(domain Domain, host string, port uint16) (AddressSpec, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return AddressSpec{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	spec := AddressSpec{Domain: domain, Host: addr, Port: port}
	if err := spec.Validate(); err != nil {
		return AddressSpec{}, err
	}
	return spec, nil
}

// ParseAddressSpec parses "host:port". An empty host means the IPv4
// unspecified address. The domain follows the host's IP version.
func ParseAddressSpec(s string) (AddressSpec, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return AddressSpec{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return AddressSpec{}, fmt.Errorf("%w: port %q", ErrInvalidAddress, portStr)
	}

	if host == "" {
		return Unspecified(IPv4, uint16(port)), nil
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return AddressSpec{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	domain := IPv6
	if addr.Is4() {
		domain = IPv4
	}

	spec := AddressSpec{Domain: domain, Host: addr, Port: uint16(port)}
	if err := spec.Validate(); err != nil {
		return AddressSpec{}, err
	}
	return spec, nil
}

// Loopback returns the loopback address of the domain.
func Loopback(domain Domain, port uint16) AddressSpec {
	if domain == IPv6 {
		return AddressSpec{Domain: IPv6, Host: netip.IPv6Loopback(), Port: port}
	}
	return AddressSpec{Domain: IPv4, Host: netip.AddrFrom4([4]byte{127, 0, 0, 1}), Port: port}
}

// Unspecified returns the wildcard address of the domain.
func Unspecified(domain Domain, port uint16) AddressSpec {
	if domain == IPv6 {
		return AddressSpec{Domain: IPv6, Host: netip.IPv6Unspecified(), Port: port}
	}
	return AddressSpec{Domain: IPv4, Host: netip.IPv4Unspecified(), Port: port}
}

// Validate checks that the host is a usable IP of the spec's domain.
func (a AddressSpec) Validate() error {
	if !a.Host.IsValid() {
		return fmt.Errorf("%w: missing host", ErrInvalidAddress)
	}

	switch a.Domain {
	case IPv4:
		if !a.Host.Is4() {
			return fmt.Errorf("%w: %s is not an ipv4 host", ErrFamilyMismatch, a.Host)
		}
	case IPv6:
		if !a.Host.Is6() {
			return fmt.Errorf("%w: %s is not an ipv6 host", ErrFamilyMismatch, a.Host)
		}
	default:
		return fmt.Errorf("%w: unknown domain %d", ErrInvalidAddress, a.Domain)
	}

	return nil
}

// AddrPort returns the spec as a netip.AddrPort.
func (a AddressSpec) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(a.Host, a.Port)
}

func (a AddressSpec) String() string {
	return a.AddrPort().String()
}

// BoundAddress is the local address the kernel assigned to a bound handle.
type BoundAddress struct {
	netip.AddrPort
}

// Domain reports the address family of the bound IP.
func (b BoundAddress) Domain() Domain {
	if b.Addr().Is4() {
		return IPv4
	}
	return IPv6
}

// TCPAddr converts the address for use with the net package.
func (b BoundAddress) TCPAddr() *net.TCPAddr {
	return net.TCPAddrFromAddrPort(b.AddrPort)
}

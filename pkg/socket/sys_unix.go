//go:build unix

package socket

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

func sysSocket(domain Domain, kind Kind, proto Protocol) (uintptr, error) {
	family, err := sysDomain(domain)
	if err != nil {
		return 0, err
	}
	sotype, err := sysKind(kind)
	if err != nil {
		return 0, err
	}
	protocol, err := sysProtocol(proto)
	if err != nil {
		return 0, err
	}

	fd, err := unix.Socket(family, sotype, protocol)
	if err != nil {
		return 0, os.NewSyscallError("socket", err)
	}
	unix.CloseOnExec(fd)

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, os.NewSyscallError("setnonblock", err)
	}
	return uintptr(fd), nil
}

func sysDomain(d Domain) (int, error) {
	switch d {
	case IPv4:
		return unix.AF_INET, nil
	case IPv6:
		return unix.AF_INET6, nil
	}
	return 0, fmt.Errorf("unknown domain %d", d)
}

func sysKind(k Kind) (int, error) {
	switch k {
	case Stream:
		return unix.SOCK_STREAM, nil
	case Datagram:
		return unix.SOCK_DGRAM, nil
	}
	return 0, fmt.Errorf("unknown socket kind %d", k)
}

func sysProtocol(p Protocol) (int, error) {
	switch p {
	case ProtocolDefault:
		return 0, nil
	case TCP:
		return unix.IPPROTO_TCP, nil
	case UDP:
		return unix.IPPROTO_UDP, nil
	}
	return 0, fmt.Errorf("unknown protocol %d", p)
}

// sysSetReuseAddr sets SO_REUSEADDR so a quick restart can rebind an address
// still held in TIME_WAIT.
func sysSetReuseAddr(fd uintptr) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1))
}

func sysGetReuseAddr(fd uintptr) (bool, error) {
	v, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR)
	if err != nil {
		return false, os.NewSyscallError("getsockopt", err)
	}
	return v != 0, nil
}

func sysBind(fd uintptr, spec AddressSpec) error {
	return os.NewSyscallError("bind", unix.Bind(int(fd), sockaddr(spec)))
}

func sysListen(fd uintptr, backlog int) error {
	return os.NewSyscallError("listen", unix.Listen(int(fd), backlog))
}

func sysGetsockname(fd uintptr) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(int(fd))
	if err != nil {
		return netip.AddrPort{}, os.NewSyscallError("getsockname", err)
	}
	return addrPort(sa)
}

// sysAccept performs one accept(2). waiting is true when no connection is
// queued yet and the caller should park on the poller.
func sysAccept(fd uintptr) (nfd uintptr, peer netip.AddrPort, waiting bool, err error) {
	for {
		n, sa, err := unix.Accept(int(fd))
		switch {
		case err == nil:
			unix.CloseOnExec(n)
			peer, err := addrPort(sa)
			if err != nil {
				unix.Close(n)
				return 0, netip.AddrPort{}, false, err
			}
			return uintptr(n), peer, false, nil
		case errors.Is(err, unix.EAGAIN):
			return 0, netip.AddrPort{}, true, nil
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			// The peer gave up before we got to it; this says nothing
			// about the listener itself.
			continue
		default:
			return 0, netip.AddrPort{}, false, os.NewSyscallError("accept", err)
		}
	}
}

func sysShutdown(fd uintptr) error {
	err := unix.Shutdown(int(fd), unix.SHUT_RDWR)
	if err != nil && !errors.Is(err, unix.ENOTCONN) {
		return os.NewSyscallError("shutdown", err)
	}
	return nil
}

func sockaddr(spec AddressSpec) unix.Sockaddr {
	if spec.Domain == IPv4 {
		return &unix.SockaddrInet4{Port: int(spec.Port), Addr: spec.Host.As4()}
	}

	sa := &unix.SockaddrInet6{Port: int(spec.Port), Addr: spec.Host.As16()}
	if zone := spec.Host.Zone(); zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa
}

func addrPort(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)), nil
	}
	return netip.AddrPort{}, fmt.Errorf("unexpected socket address type %T", sa)
}

// IsAddrInUse reports whether err was caused by the address already being
// bound by another socket.
func IsAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}

// IsPermission reports whether err was caused by missing privileges, e.g.
// binding a port below 1024 as an unprivileged user.
func IsPermission(err error) bool {
	return errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM)
}

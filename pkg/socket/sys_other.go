//go:build !unix

package socket

import "net/netip"

func sysSocket(Domain, Kind, Protocol) (uintptr, error) {
	return 0, ErrUnsupportedPlatform
}

func sysSetReuseAddr(uintptr) error { return ErrUnsupportedPlatform }

func sysGetReuseAddr(uintptr) (bool, error) { return false, ErrUnsupportedPlatform }

func sysBind(uintptr, AddressSpec) error { return ErrUnsupportedPlatform }

func sysListen(uintptr, int) error { return ErrUnsupportedPlatform }

func sysGetsockname(uintptr) (netip.AddrPort, error) {
	return netip.AddrPort{}, ErrUnsupportedPlatform
}

func sysAccept(uintptr) (uintptr, netip.AddrPort, bool, error) {
	return 0, netip.AddrPort{}, false, ErrUnsupportedPlatform
}

func sysShutdown(uintptr) error { return ErrUnsupportedPlatform }

// IsAddrInUse always reports false on platforms without raw sockets.
func IsAddrInUse(error) bool { return false }

// IsPermission always reports false on platforms without raw sockets.
func IsPermission(error) bool { return false }

package netmon

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RestoreInterface sets IFF_UP on the named interface, the same recovery a
// manual `ip link set <iface> up` performs. Requires CAP_NET_ADMIN.
func RestoreInterface(iface string) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("open control socket: %w", err)
	}
	defer unix.Close(fd)
	ifr, err := unix.NewIfreq(iface)
	if err != nil {
		return fmt.Errorf("interface name %q: %w", iface, err)
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return fmt.Errorf("read flags for %s: %w", iface, err)
	}
	ifr.SetUint16(ifr.Uint16() | unix.IFF_UP)
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr); err != nil {
		return fmt.Errorf("bring %s up: %w", iface, err)
	}
	return nil
}

//go:build !linux

package netmon

import "fmt"

// RestoreInterface needs the Linux SIOCSIFFLAGS ioctl; elsewhere the
// recovery step is reported as unsupported and monitoring continues.
func RestoreInterface(iface string) error {
	return fmt.Errorf("interface recovery for %s is only supported on linux", iface)
}

//go:build linux

package netio

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSocketOpts configures the raw ICMPv6 socket via the ListenConfig
// Control callback: SO_BINDTODEVICE pins the socket to the
// infrastructure interface.
func setSocketOpts(c syscall.RawConn, ifName string) error {
	var sockErr error

	err := c.Control(func(fd uintptr) {
		sockErr = unix.BindToDevice(int(fd), ifName)
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("set SO_BINDTODEVICE(%s): %w", ifName, sockErr)
	}

	return nil
}

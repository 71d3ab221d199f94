//go:build !linux

package netio

import "syscall"

// setSocketOpts is a no-op on platforms without SO_BINDTODEVICE; the
// receive loop still filters by arrival interface.
func setSocketOpts(syscall.RawConn, string) error {
	return nil
}

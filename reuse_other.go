//go:build !(linux || darwin || ios || freebsd || netbsd || openbsd || dragonfly || windows)

package mdns

import "syscall"

// Address sharing is not supported here; binding fails if another responder holds the port.
func reuseControl(network, address string, c syscall.RawConn) error {
	return nil
}

//go:build unix

package bridge

import (
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalName returns the name of sig without its SIG prefix, like "TERM".
func signalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return strings.TrimPrefix(name, "SIG")
	}
	return sig.String()
}

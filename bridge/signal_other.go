//go:build !unix

package bridge

import "syscall"

func signalName(sig syscall.Signal) string {
	return sig.String()
}

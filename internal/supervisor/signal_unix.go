//go:build unix

package supervisor

import (
	"os"
	"syscall"
)

// gracefulSignal returns SIGTERM, the signal process-kind backends are
// expected to handle for a clean shutdown before the grace period expires.
func gracefulSignal() os.Signal {
	return syscall.SIGTERM
}

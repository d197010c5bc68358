//go:build !unix

package supervisor

import "os"

// gracefulSignal falls back to Kill on platforms without SIGTERM semantics.
func gracefulSignal() os.Signal {
	return os.Kill
}

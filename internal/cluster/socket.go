package cluster

import (
	"fmt"
	"os"
	"path/filepath"
)

// SocketPath resolves the unix-domain socket path the root listens on and
// workers dial: TMPDIR (falling back to /tmp) joined with a name derived
// from the root's pid rendered in octal.
func SocketPath(rootPID int) string {
	dir := os.Getenv("TMPDIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, fmt.Sprintf("postoffice-%o.sock", rootPID))
}

package worker

import (
	"net"
	"os"
	"path/filepath"
)

// CanUseUnixSockets reports whether the process-variant worker's IPC
// primitives are usable on this host: a local-domain socket can be
// created and dialed in a scratch temp directory. This is a capability
// probe rather than a runtime.GOOS switch, since what matters is an
// I/O capability, not an operating system name — some platforms list
// Unix-socket support but deliver it unreliably.
func CanUseUnixSockets() bool {
	dir, err := os.MkdirTemp("", "omnipkgd-probe-*")
	if err != nil {
		return false
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "probe.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		return false
	}
	defer ln.Close()

	conn, err := net.Dial("unix", path)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

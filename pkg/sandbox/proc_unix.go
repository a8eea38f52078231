//go:build unix

package sandbox

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcAttrs puts the child in its own process group so termination
// reaches any grandchildren, and drops to the sandbox uid/gid when the
// runtime itself is root.
func setProcAttrs(cmd *exec.Cmd) {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if os.Geteuid() == 0 {
		attr.Credential = &syscall.Credential{Uid: sandboxUID, Gid: sandboxGID}
	}
	cmd.SysProcAttr = attr
}

// nobody
const (
	sandboxUID = 65534
	sandboxGID = 65534
)

func signalTerm(p *os.Process) error {
	// Negative pid signals the whole process group.
	if err := syscall.Kill(-p.Pid, syscall.SIGTERM); err == nil {
		return nil
	}
	return p.Signal(syscall.SIGTERM)
}

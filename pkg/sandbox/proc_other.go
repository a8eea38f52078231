//go:build !unix

package sandbox

import (
	"os"
	"os/exec"
)

func setProcAttrs(_ *exec.Cmd) {}

func signalTerm(p *os.Process) error {
	return p.Kill()
}

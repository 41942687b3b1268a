//go:build !unix

package kernel

import (
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// interruptProcess is unsupported; the controller escalates to a restart.
func interruptProcess(_ *os.Process) error {
	return ErrInterruptUnsupported
}

func killProcess(p *os.Process) error {
	return p.Kill()
}

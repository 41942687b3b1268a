//go:build unix

package kernel

import (
	"os"
	"syscall"
)

// sysProcAttr puts the interpreter in its own process group so terminal
// signals aimed at the host do not reach it.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func interruptProcess(p *os.Process) error {
	return p.Signal(os.Interrupt)
}

// killProcess kills the interpreter's whole process group, falling back to
// the leader alone.
func killProcess(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return p.Kill()
}

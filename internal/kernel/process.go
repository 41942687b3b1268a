package kernel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
)

// ProcessConfig describes an external interpreter.
type ProcessConfig struct {
	// Command is the interpreter invocation, split with shell quoting rules,
	// e.g. "python3" or "python3 -X dev".
	Command string
	Env     map[string]string
	WorkDir string
}

// ProcessBackend runs the session in a child interpreter process that speaks
// the line protocol over its stdin and stdout.
type ProcessBackend struct {
	argv    []string
	env     []string
	workDir string
	logger  *slog.Logger
}

// NewProcessBackend parses cfg.Command and returns a backend for it.
func NewProcessBackend(cfg ProcessConfig, logger *slog.Logger) (*ProcessBackend, error) {
	argv, err := shellquote.Split(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("kernel: parse interpreter command %q: %w", cfg.Command, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("kernel: interpreter command must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+cfg.Env[k])
	}

	return &ProcessBackend{
		argv:    argv,
		env:     env,
		workDir: cfg.WorkDir,
		logger:  logger.With("backend", "process"),
	}, nil
}

// Name implements Backend.
func (b *ProcessBackend) Name() string { return "process" }

// Argv returns the parsed interpreter command.
func (b *ProcessBackend) Argv() []string { return append([]string(nil), b.argv...) }

// Launch implements Backend.
func (b *ProcessBackend) Launch(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, startError(b.Name(), err, "")
	}

	path, err := exec.LookPath(b.argv[0])
	if err != nil {
		return nil, startError(b.Name(), fmt.Errorf("locate interpreter: %w", err), "")
	}

	args := append(append([]string(nil), b.argv[1:]...), "-u", "-c", driverSource)
	// The session outlives ctx, so the command is not bound to it.
	cmd := exec.Command(path, args...)
	cmd.Dir = b.workDir
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1", "PYTHONIOENCODING=utf-8")
	cmd.Env = append(cmd.Env, b.env...)
	cmd.SysProcAttr = sysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, startError(b.Name(), err, "")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, startError(b.Name(), err, "")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, startError(b.Name(), err, "")
	}
	if err := cmd.Start(); err != nil {
		return nil, startError(b.Name(), err, "")
	}

	c := &processConn{
		cmd:      cmd,
		stdin:    stdin,
		messages: make(chan Message, 1024),
		done:     make(chan struct{}),
		pumped:   make(chan struct{}),
		captured: make(chan struct{}),
		diag:     newRingBuf(diagnosticsBufferSize),
		logger:   b.logger.With("pid", cmd.Process.Pid),
	}
	go c.readPump(stdout)
	go c.capture(stderr)
	go c.waitExit()

	c.logger.Debug("interpreter process started", "path", path)
	return c, nil
}

// processConn is the Conn of a child interpreter process.
type processConn struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	messages chan Message
	done     chan struct{}
	diag     *ringBuf
	logger   *slog.Logger
	pumped   chan struct{}
	captured chan struct{}

	mu        sync.Mutex
	exited    bool
	exitErr   error
	closeOnce sync.Once
}

// readPump decodes protocol lines from the interpreter's stdout. Lines that
// are not protocol messages are kept as diagnostics.
func (c *processConn) readPump(r io.Reader) {
	defer close(c.pumped)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var msg Message
			if jerr := json.Unmarshal(line, &msg); jerr != nil || msg.Type == "" {
				_, _ = c.diag.Write(line)
			} else {
				c.messages <- msg
			}
		}
		if err != nil {
			return
		}
	}
}

// capture keeps the interpreter's raw stderr for diagnostics.
func (c *processConn) capture(r io.Reader) {
	defer close(c.captured)
	_, _ = io.Copy(c.diag, r)
}

// stderrDrainGrace bounds how long the stderr tail is drained after the
// protocol pipe closes.
const stderrDrainGrace = 250 * time.Millisecond

// waitExit reaps the process once the protocol pipe closes, then closes the
// message channel so consumers observe the severed transport. Children the
// user's code started inherit stderr; if they keep it open the process group
// is killed so the session cannot hang on them.
func (c *processConn) waitExit() {
	<-c.pumped
	if !waitClosed(c.captured, stderrDrainGrace) {
		c.logger.Debug("stderr held open by a child process, killing process group")
		_ = killProcess(c.cmd.Process)
		waitClosed(c.captured, stderrDrainGrace)
	}
	// Wait also closes the stderr pipe, which ends capture if a child
	// escaped the process group.
	err := c.cmd.Wait()

	c.mu.Lock()
	c.exited = true
	c.exitErr = err
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug("interpreter process exited", "error", err)
	} else {
		c.logger.Debug("interpreter process exited")
	}
	close(c.messages)
	close(c.done)
}

func waitClosed(ch <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

func (c *processConn) Send(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("kernel: encode command: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exited {
		return ErrSessionUnavailable
	}
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("kernel: write command: %w", err)
	}
	return nil
}

func (c *processConn) Messages() <-chan Message { return c.messages }

func (c *processConn) Interrupt() error {
	c.mu.Lock()
	exited := c.exited
	c.mu.Unlock()
	if exited {
		return ErrSessionUnavailable
	}
	return interruptProcess(c.cmd.Process)
}

func (c *processConn) Done() <-chan struct{} { return c.done }

func (c *processConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

func (c *processConn) Diagnostics() string {
	return c.diag.Tail(20)
}

// Close asks the driver to exit, closes its stdin and kills the process
// group if it is still alive after grace.
func (c *processConn) Close(grace time.Duration) error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.Send(Command{Op: OpShutdown})
		c.mu.Lock()
		_ = c.stdin.Close()
		c.mu.Unlock()

		select {
		case <-c.done:
			return
		case <-time.After(grace):
		}

		c.logger.Warn("interpreter did not exit in time, killing", "grace", grace)
		if kerr := killProcess(c.cmd.Process); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = fmt.Errorf("kernel: kill interpreter: %w", kerr)
			return
		}
		select {
		case <-c.done:
		case <-time.After(grace):
			err = fmt.Errorf("kernel: interpreter %d did not exit after kill", c.cmd.Process.Pid)
		}
	})
	return err
}

// Package process wraps an agent subprocess: pipe wiring, signal delivery,
// liveness probing, and a single-fire exit callback. Adapters own the protocol
// spoken over the pipes; this package only moves bytes and signals.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
)

// maxLineSize bounds a single scanned line; agent protocol frames can carry
// whole file contents.
const maxLineSize = 10 * 1024 * 1024

// Spec describes the subprocess to start.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// ExitHandler receives the process exit code; -1 when the code is unknown.
type ExitHandler func(code int)

// Managed is a running subprocess with its stdio pipes.
type Managed struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	logger *logger.Logger

	exitOnce sync.Once
	onExit   ExitHandler

	mu     sync.Mutex
	exited bool
}

// Start launches the subprocess in its own process group so signals can be
// delivered to the whole tree. The exit handler fires exactly once, from a
// goroutine, when the process terminates.
func Start(ctx context.Context, spec Spec, onExit ExitHandler, log *logger.Logger) (*Managed, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Command, err)
	}

	m := &Managed{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		onExit: onExit,
		logger: log.WithFields(zap.String("component", "process"), zap.Int("pid", cmd.Process.Pid)),
	}

	go m.waitLoop()
	return m, nil
}

func (m *Managed) waitLoop() {
	err := m.cmd.Wait()

	m.mu.Lock()
	m.exited = true
	m.mu.Unlock()

	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	m.logger.Debug("process exited", zap.Int("code", code))
	m.fireExit(code)
}

// fireExit invokes the exit handler at most once. It is also used by the
// heartbeat's silent-crash path, which may beat the OS callback.
func (m *Managed) fireExit(code int) {
	m.exitOnce.Do(func() {
		if m.onExit != nil {
			m.onExit(code)
		}
	})
}

// ReportSilentExit lets a liveness probe route a crash through the same
// single-fire exit path as the OS wait callback.
func (m *Managed) ReportSilentExit() {
	m.fireExit(-1)
}

// PID returns the subprocess pid.
func (m *Managed) PID() int {
	return m.cmd.Process.Pid
}

// Stdin returns the subprocess stdin writer.
func (m *Managed) Stdin() io.WriteCloser {
	return m.stdin
}

// Stdout returns the subprocess stdout reader.
func (m *Managed) Stdout() io.Reader {
	return m.stdout
}

// ScanStderr reads stderr line by line on a goroutine, invoking onLine per
// line until the pipe closes.
func (m *Managed) ScanStderr(onLine func(line string)) {
	go func() {
		scanner := bufio.NewScanner(m.stderr)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, maxLineSize)
		for scanner.Scan() {
			onLine(scanner.Text())
		}
	}()
}

// Alive probes the process with a null signal.
func (m *Managed) Alive() bool {
	m.mu.Lock()
	if m.exited {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()
	return m.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Signal delivers a signal to the process group, falling back to the process
// itself when the group is gone.
func (m *Managed) Signal(sig os.Signal) error {
	if err := signalGroup(m.cmd, sig); err == nil {
		return nil
	}
	return m.cmd.Process.Signal(sig)
}

// Kill sends SIGKILL to the process group.
func (m *Managed) Kill() error {
	return m.Signal(syscall.SIGKILL)
}

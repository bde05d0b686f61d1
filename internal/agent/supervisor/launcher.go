// Package supervisor spawns agent subprocesses and runs the command loop
// over their stdio, watching the process so crashes are reported and
// cleaned up.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"

	"github.com/flowrite/flowrite/internal/common/logger"
)

// TransportStdio is the only transport subprocess agents can be hosted
// over.
const TransportStdio = "stdio"

// LaunchSpec describes how to start an agent subprocess. Command holds
// the full argv, Env holds extra KEY=VALUE pairs appended to the host
// environment.
type LaunchSpec struct {
	Command   []string
	Env       []string
	Transport string
}

// Process is a running agent subprocess.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Pid() int
	// Wait blocks until the process exits and returns its exit error.
	// Safe to call from exactly one goroutine.
	Wait() error
	// Signal asks the process to shut down gracefully.
	Signal() error
	Kill() error
}

// Launcher starts agent subprocesses. The default implementation uses
// os/exec; tests substitute in-memory pipes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

type execLauncher struct {
	logger *logger.Logger
}

// NewExecLauncher returns a Launcher backed by os/exec.
func NewExecLauncher(log *logger.Logger) Launcher {
	return &execLauncher{logger: log.WithFields(zap.String("component", "launcher"))}
}

func (l *execLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("launch spec has no command")
	}

	// Not CommandContext: shutdown is driven by the supervisor via
	// Signal/Kill, and CommandContext would SIGKILL on context
	// cancellation before a graceful stop can happen.
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	log := l.logger.WithFields(
		zap.String("binary", spec.Command[0]),
		zap.Int("pid", cmd.Process.Pid))
	log.Info("agent process started")

	go pipeStderr(log, bufio.NewScanner(stderr))

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func pipeStderr(log *logger.Logger, scanner *bufio.Scanner) {
	for scanner.Scan() {
		log.Debug(scanner.Text(), zap.String("stream", "stderr"))
	}
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }
func (p *execProcess) Signal() error         { return p.cmd.Process.Signal(syscall.SIGTERM) }
func (p *execProcess) Kill() error           { return p.cmd.Process.Kill() }

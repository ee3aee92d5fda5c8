package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process is one live worker process as seen by the host: its protocol pipes
// and its lifecycle controls.
type Process interface {
	// Stdin is the host-to-worker half of the protocol stream. Closing it
	// tells the worker to drain and exit.
	Stdin() io.WriteCloser
	// Stdout is the worker-to-host half of the protocol stream.
	Stdout() io.Reader
	// Signal delivers a termination signal.
	Signal(sig os.Signal) error
	// Kill terminates the process immediately.
	Kill() error
	// Wait yields the process exit error exactly once, then closes.
	Wait() <-chan error
	// PID identifies the process for logging.
	PID() int
}

// Launcher spawns worker processes. The production launcher re-executes the
// current binary; tests substitute in-memory fakes.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// ExecLauncher launches the worker as a hidden subcommand of the running
// binary, keeping host and worker on the same build. Worker logs go to
// stderr; stdout carries only protocol frames.
type ExecLauncher struct {
	// Args are appended after the worker subcommand, typically log flags.
	Args []string
}

// Launch spawns one worker process.
func (l ExecLauncher) Launch(ctx context.Context) (Process, error) {
	args := append([]string{"worker"}, l.Args...)
	cmd := exec.CommandContext(ctx, os.Args[0], args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}

	p := &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, done: make(chan error, 1)}
	go func() {
		p.done <- cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	done   chan error
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Wait() <-chan error    { return p.done }
func (p *execProcess) PID() int              { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

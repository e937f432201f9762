package invocation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

//go:generate mockgen -destination=mocks/mock_invocation.go -package=mocks github.com/mattjoyce/farmdispatch/internal/invocation Spawner,Process

// Grace period between SIGTERM and SIGKILL when tearing down a build.
const terminationGracePeriod = 5 * time.Second

// Maximum stderr retained from the build tool for diagnostics.
const maxStderrBytes = 64 * 1024

// Process is a running build tool invocation.
type Process interface {
	PID() int
	// Running reports whether the process is still alive without blocking.
	Running() bool
	// Wait blocks until exit and returns the exit code.
	Wait() (int, error)
	// Kill terminates the process and everything it spawned.
	Kill() error
}

// Spawner starts external processes.
type Spawner interface {
	// Start launches name. ctx only guards the launch itself; the process
	// runs until it exits or Kill is called.
	Start(ctx context.Context, name string, args []string) (Process, error)
	// StartDetached starts a process that outlives this one and is never
	// waited on.
	StartDetached(name string, args []string) error
}

// ExecSpawner runs processes with os/exec, each in its own process group.
type ExecSpawner struct {
	Dir string
}

func (s ExecSpawner) Start(ctx context.Context, name string, args []string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	cmd := exec.Command(name, args...)
	cmd.Dir = s.Dir
	setProcessGroup(cmd)
	// Grandchildren can hold stderr open after the build exits.
	cmd.WaitDelay = terminationGracePeriod

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	go p.wait()
	return p, nil
}

func (s ExecSpawner) StartDetached(name string, args []string) error {
	cmd := exec.Command(name, args...)
	cmd.Dir = s.Dir
	setDetached(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	return cmd.Process.Release()
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr limitedBuffer
	done   chan struct{}

	exitCode int
	waitErr  error
	killOnce sync.Once
}

func (p *execProcess) wait() {
	defer close(p.done)
	err := p.cmd.Wait()
	if err == nil {
		return
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		p.exitCode = exitErr.ExitCode()
		return
	}
	p.exitCode = -1
	p.waitErr = fmt.Errorf("wait for process: %w", err)
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.waitErr
}

// Kill sends SIGTERM to the process group, then SIGKILL if it has not
// exited after the grace period.
func (p *execProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		if !p.Running() {
			return
		}
		if err = terminateGroup(p.cmd); err != nil {
			return
		}
		grace := time.NewTimer(terminationGracePeriod)
		defer grace.Stop()
		select {
		case <-p.done:
		case <-grace.C:
			err = killGroup(p.cmd)
			<-p.done
		}
	})
	return err
}

// Stderr returns the retained tail of the process's stderr.
func (p *execProcess) Stderr() string { return p.stderr.String() }

type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if room := maxStderrBytes - b.buf.Len(); room < len(p) {
		if room <= 0 {
			return n, nil
		}
		p = p[:room]
	}
	b.buf.Write(p)
	return n, nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

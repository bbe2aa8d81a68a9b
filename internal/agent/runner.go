package agent

import (
	"bufio"
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"
)

const defaultCommandTimeout = 10 * time.Minute

// outputFunc receives streamed command output chunks.
type outputFunc func(commandID, chunk string)

// doneFunc receives the terminal result of a command.
type doneFunc func(commandID string, exitCode int, errText string)

// Runner executes dispatched shell commands, streaming output as it is
// produced. One goroutine per command; Cancel kills the process group
// of a running command.
type Runner struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewRunner() *Runner {
	return &Runner{cancels: make(map[string]context.CancelFunc)}
}

// Run starts the command asynchronously. Output arrives line-buffered
// on out; done fires exactly once.
func (r *Runner) Run(ctx context.Context, commandID, command string, timeout time.Duration, out outputFunc, done doneFunc) {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)

	r.mu.Lock()
	r.cancels[commandID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.cancels, commandID)
			r.mu.Unlock()
		}()
		r.execute(cmdCtx, commandID, command, out, done)
	}()
}

// Cancel stops a running command. Unknown ids are a no-op; the server
// may cancel a command that already finished.
func (r *Runner) Cancel(commandID string) {
	r.mu.Lock()
	cancel, ok := r.cancels[commandID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Wait blocks until all running commands have finished.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) execute(ctx context.Context, commandID, command string, out outputFunc, done doneFunc) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		done(commandID, -1, err.Error())
		return
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		done(commandID, -1, err.Error())
		return
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		out(commandID, scanner.Text()+"\n")
	}

	err = cmd.Wait()
	switch {
	case err == nil:
		done(commandID, 0, "")
	case ctx.Err() != nil:
		done(commandID, -1, "command cancelled or timed out")
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			done(commandID, exitErr.ExitCode(), "")
			return
		}
		done(commandID, -1, err.Error())
	}
}

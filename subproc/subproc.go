// Package subproc runs external commands as ordinary units of background
// work: one invocation in, exit code and captured output out. The
// scheduling core treats a command like any other Work item; nothing here
// has special scheduling behavior.
package subproc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"golang.org/x/sync/errgroup"

	"github.com/weftworks/weft/substrate"
)

// Result is the outcome of one finished command. A non-zero exit code is a
// result, not an error: the command ran and reported failure; spawn
// problems are errors.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Run executes the command and captures both output streams. Cancelling
// ctx kills the process.
func Run(ctx context.Context, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command killed: %w", ctx.Err())
		}
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	default:
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
}

// Command adapts a command invocation to a Work item submittable to any
// adapter; the handle completes with a *Result.
func Command(name string, args ...string) substrate.Work {
	return substrate.Func(func(ctx context.Context) (any, error) {
		return Run(ctx, name, args...)
	})
}

// Stream executes the command, delivering output line by line as it is
// produced: stdout lines to onStdout, stderr lines to onStderr. Lines
// within one stream arrive in order; the two callbacks may run
// concurrently, one goroutine per stream. Nil callbacks discard their
// stream. Returns the exit code.
func Stream(ctx context.Context, name string, args []string, onStdout, onStderr func(line string)) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn %s: %w", name, err)
	}

	var g errgroup.Group
	g.Go(func() error { return pump(stdout, onStdout) })
	g.Go(func() error { return pump(stderr, onStderr) })
	pumpErr := g.Wait()

	err = cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		if ctx.Err() != nil {
			return 0, fmt.Errorf("command killed: %w", ctx.Err())
		}
		return exitErr.ExitCode(), pumpErr
	default:
		return 0, err
	}
	return 0, pumpErr
}

func pump(r io.Reader, fn func(line string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if fn != nil {
			fn(sc.Text())
		}
	}
	return sc.Err()
}

// Package script runs the executables configured around capture jobs and frames.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// Type is when a script runs
type Type int

const (
	// None is no script
	None Type = iota

	// PreJob runs before the first frame of a job
	PreJob

	// PostJob runs after the last frame of a job
	PostJob

	// PreCapture runs before each frame
	PreCapture

	// PostCapture runs after each frame
	PostCapture
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case PreJob:
		return "pre-job"
	case PostJob:
		return "post-job"
	case PreCapture:
		return "pre-capture"
	case PostCapture:
		return "post-capture"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Script is one invocation
type Script struct {
	Type Type
	Path string
	Args []string
}

// Runner executes scripts as subprocesses
type Runner struct {
	// Timeout kills scripts that run longer, zero means no limit
	Timeout time.Duration

	// Log receives script output, nil uses slog.Default
	Log *slog.Logger
}

// Run starts the script on its own goroutine and calls done with the exit
// code when it finishes.  err is non-nil if the script could not be run or
// was killed; exitCode is -1 in that case.
func (r *Runner) Run(ctx context.Context, s Script, done func(exitCode int, err error)) {
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	go func() {
		if r.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.Timeout)
			defer cancel()
		}
		cmd := exec.CommandContext(ctx, s.Path, s.Args...)
		out, err := cmd.CombinedOutput()
		if len(out) > 0 {
			log.Info("script output", "type", s.Type.String(), "path", s.Path, "output", string(out))
		}
		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && ctx.Err() == nil {
				code = exitErr.ExitCode()
				err = nil
			} else {
				code = -1
			}
		}
		if done != nil {
			done(code, err)
		}
	}()
}

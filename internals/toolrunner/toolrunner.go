// Copyright (c) 2024 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package toolrunner invokes the OS tools (mount, parted, mkfs, ...) the
// boot manager delegates to, with bounded run time and typed results.
package toolrunner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/canonical/dreamboot/internals/logger"
	"github.com/canonical/dreamboot/internals/metrics"
	"github.com/canonical/dreamboot/internals/osutil"
)

// Command is one invocation of an external tool.
type Command struct {
	// Step names the invocation in messages, e.g. "create partition table".
	// The tool name is used when empty.
	Step string
	Name string
	Args []string
	// Timeout bounds the run time. Zero means no bound besides ctx.
	Timeout time.Duration
	// Interruptible tools are killed when ctx is cancelled. Others, such
	// as mkfs or parted, only stop on their own timeout.
	Interruptible bool
}

// String returns the command line.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

func (c Command) step() string {
	if c.Step != "" {
		return c.Step
	}
	return c.Name
}

// Result is the outcome of a tool that ran to completion or was killed.
type Result struct {
	ExitCode int
	// Output is the combined stdout and stderr.
	Output   []byte
	Duration time.Duration
}

// Success reports whether the tool exited with status zero.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// ExitError is returned when a tool exits with a non-zero status or could
// not complete.
type ExitError struct {
	Step     string
	Command  string
	ExitCode int
	TimedOut bool
	Err      error
}

func (e *ExitError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%s: %q timed out", e.Step, e.Command)
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Runner runs external tools.
type Runner interface {
	// Run runs cmd and waits for it. A non-zero exit yields both a Result
	// and an *ExitError. If the tool could not be started only an error is
	// returned.
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs tools as child processes.
type ExecRunner struct{}

// New returns a Runner backed by os/exec.
func New() *ExecRunner {
	return &ExecRunner{}
}

var execCommandContext = exec.CommandContext

// waitDelay bounds how long a finished or killed tool may keep its output
// pipes open through a leftover child.
var waitDelay = 10 * time.Second

func (ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if !cmd.Interruptible {
		ctx = context.WithoutCancel(ctx)
	}
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	logger.Debugf("Running %q.", cmd)
	start := time.Now()
	c := execCommandContext(ctx, cmd.Name, cmd.Args...)
	c.WaitDelay = waitDelay
	output, err := c.CombinedOutput()
	if errors.Is(err, exec.ErrWaitDelay) {
		// The tool itself exited cleanly.
		logger.Debugf("Command %q left its output open, pipes closed.", cmd)
		err = nil
	}
	res := &Result{
		Output:   output,
		Duration: time.Since(start),
	}
	metrics.ToolDuration.WithLabelValues(cmd.Name).Observe(res.Duration.Seconds())

	if err == nil {
		metrics.ToolRuns.WithLabelValues(cmd.Name, metrics.ResultOK).Inc()
		return res, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		metrics.ToolRuns.WithLabelValues(cmd.Name, metrics.ResultError).Inc()
		return nil, fmt.Errorf("cannot run %q: %w", cmd.Name, err)
	}

	res.ExitCode = exitErr.ExitCode()
	if res.ExitCode < 0 {
		// killed by a signal
		res.ExitCode = 128
	}
	ee := &ExitError{
		Step:     cmd.step(),
		Command:  cmd.String(),
		ExitCode: res.ExitCode,
		Err:      osutil.OutputErr(output, err),
	}
	if ctx.Err() == context.DeadlineExceeded {
		ee.TimedOut = true
		metrics.ToolRuns.WithLabelValues(cmd.Name, metrics.ResultTimeout).Inc()
	} else {
		metrics.ToolRuns.WithLabelValues(cmd.Name, metrics.ResultFailed).Inc()
	}
	logger.Debugf("Command %q exited with status %d after %s.", cmd, res.ExitCode, res.Duration)
	return res, ee
}

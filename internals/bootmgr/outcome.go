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

package bootmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/canonical/dreamboot/internals/partition"
	"github.com/canonical/dreamboot/internals/toolrunner"
)

// Kind classifies what went wrong, or what was only half right, in an
// operation.
type Kind string

const (
	KindNone           Kind = ""
	KindNotFound       Kind = "not-found"
	KindToolFailure    Kind = "tool-failure"
	KindIOFailure      Kind = "io-failure"
	KindPartialSuccess Kind = "partial-success"
	KindUnknown        Kind = "unknown"
)

type Status string

const (
	StatusDone   Status = "done"
	StatusNoOp   Status = "no-op"
	StatusFailed Status = "failed"
)

// Outcome is the result of a boot manager operation. Operations report
// failures through it rather than through errors.
type Outcome struct {
	ID        string `json:"id"`
	Operation string `json:"operation"`
	Status    Status `json:"status"`
	Kind      Kind   `json:"kind,omitempty"`
	// Step names the failing step of a tool failure.
	Step    string `json:"step,omitempty"`
	Message string `json:"message"`
	// Caveat qualifies a partial success.
	Caveat string `json:"caveat,omitempty"`
}

// Success reports whether the operation achieved its goal, possibly with
// a caveat or because there was nothing to do.
func (o Outcome) Success() bool {
	return o.Status == StatusDone || o.Status == StatusNoOp
}

func (o Outcome) String() string {
	if o.Caveat != "" {
		return o.Message + " (" + o.Caveat + ")"
	}
	return o.Message
}

func done(format string, v ...any) Outcome {
	return Outcome{Status: StatusDone, Message: fmt.Sprintf(format, v...)}
}

func noOp(format string, v ...any) Outcome {
	return Outcome{Status: StatusNoOp, Message: fmt.Sprintf(format, v...)}
}

func failed(kind Kind, format string, v ...any) Outcome {
	return Outcome{Status: StatusFailed, Kind: kind, Message: fmt.Sprintf(format, v...)}
}

// withCaveats downgrades a successful outcome to a partial success.
func (o Outcome) withCaveats(caveats []string) Outcome {
	if len(caveats) == 0 {
		return o
	}
	o.Kind = KindPartialSuccess
	o.Caveat = strings.Join(caveats, "; ")
	return o
}

// errorOutcome converts an internal error into a failed outcome.
func errorOutcome(message string, err error) Outcome {
	var (
		exitErr   *toolrunner.ExitError
		stepErr   *partition.StepError
		layoutErr *partition.LayoutError
	)
	out := failed(KindUnknown, "%s: %v", message, err)
	switch {
	case errors.Is(err, partition.ErrDeviceNotFound):
		out.Kind = KindNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		out.Kind = KindUnknown
	case errors.As(err, &exitErr):
		out.Kind = KindToolFailure
		out.Step = exitErr.Step
	case errors.As(err, &layoutErr):
		out.Kind = KindIOFailure
	case errors.As(err, &stepErr):
		out.Kind = KindIOFailure
	}
	if errors.As(err, &stepErr) {
		out.Step = stepErr.Step
	}
	return out
}

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

// Package systemd drives the receiver's power state through systemd.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/canonical/dreamboot/internals/toolrunner"
)

const shutdownTimeout = 10 * time.Second

// Shutdown schedules power state changes with the shutdown tool.
type Shutdown struct {
	runner toolrunner.Runner
}

func NewShutdown(runner toolrunner.Runner) *Shutdown {
	return &Shutdown{runner: runner}
}

// Reboot the system after a specified duration of time, optionally
// displaying a wall message. The delay is rounded down to whole minutes.
func (s *Shutdown) Reboot(ctx context.Context, delay time.Duration, msg string) error {
	if delay < 0 {
		delay = 0
	}
	mins := int64(delay / time.Minute)
	args := []string{"-r", fmt.Sprintf("+%d", mins)}
	if msg != "" {
		args = append(args, msg)
	}
	_, err := s.runner.Run(ctx, toolrunner.Command{
		Step:          "schedule reboot",
		Name:          "shutdown",
		Args:          args,
		Timeout:       shutdownTimeout,
		Interruptible: true,
	})
	return err
}

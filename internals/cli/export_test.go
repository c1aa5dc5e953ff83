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

package cli

import (
	"os"

	"github.com/canonical/dreamboot/internals/logger"
	"github.com/canonical/dreamboot/internals/toolrunner"
)

func init() {
	// help texts must pass the lint
	noticef = logger.Panicf
}

var RunMain = Run

func FakeRunner(runner toolrunner.Runner) (restore func()) {
	old := newRunner
	newRunner = func() toolrunner.Runner { return runner }
	return func() {
		newRunner = old
	}
}

func FakeIsStdinTTY(t bool) (restore func()) {
	old := isStdinTTY
	isStdinTTY = t
	return func() {
		isStdinTTY = old
	}
}

func FakeOsExit(exit func(int)) (restore func()) {
	old := osExit
	osExit = exit
	return func() {
		osExit = old
	}
}

// RunDaemon runs the run command until a signal arrives on sigs.
func RunDaemon(sigs <-chan os.Signal, ready chan<- string) error {
	rcmd := &cmdRun{}
	rcmd.setSession(&session{})
	return rcmd.run(sigs, ready)
}

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

// Package toolrunnertest provides a scripted toolrunner.Runner for tests.
package toolrunnertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/canonical/dreamboot/internals/toolrunner"
)

// Reply is what a fake tool invocation returns.
type Reply struct {
	ExitCode int
	Output   string
	// Err simulates a tool that could not be started.
	Err error
}

// FakeRunner records every command and answers from Handler. Commands are
// successful by default.
type FakeRunner struct {
	mu    sync.Mutex
	calls []toolrunner.Command

	// Handler, if set, decides the reply of each command.
	Handler func(cmd toolrunner.Command) Reply
	// Mounts, if set, tracks the effect of mount and umount commands.
	Mounts *MountTable
}

func New() *FakeRunner {
	return &FakeRunner{}
}

func (f *FakeRunner) Run(ctx context.Context, cmd toolrunner.Command) (*toolrunner.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	handler := f.Handler
	mounts := f.Mounts
	f.mu.Unlock()

	var reply Reply
	if handler != nil {
		reply = handler(cmd)
	}
	if reply.Err != nil {
		return nil, fmt.Errorf("cannot run %q: %w", cmd.Name, reply.Err)
	}
	if reply.ExitCode == 0 && mounts != nil {
		mounts.apply(cmd)
	}
	res := &toolrunner.Result{ExitCode: reply.ExitCode, Output: []byte(reply.Output)}
	if reply.ExitCode != 0 {
		step := cmd.Step
		if step == "" {
			step = cmd.Name
		}
		msg := strings.TrimSpace(reply.Output)
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", reply.ExitCode)
		}
		return res, &toolrunner.ExitError{
			Step:     step,
			Command:  cmd.String(),
			ExitCode: reply.ExitCode,
			Err:      fmt.Errorf("%s", msg),
		}
	}
	return res, nil
}

// Calls returns the commands run so far.
func (f *FakeRunner) Calls() []toolrunner.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]toolrunner.Command(nil), f.calls...)
}

// CommandLines returns the command lines run so far.
func (f *FakeRunner) CommandLines() []string {
	calls := f.Calls()
	lines := make([]string, len(calls))
	for i, cmd := range calls {
		lines[i] = cmd.String()
	}
	return lines
}

// Reset forgets the recorded commands.
func (f *FakeRunner) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// MountTable simulates the kernel mount table for mount and umount
// invocations.
type MountTable struct {
	mu      sync.Mutex
	mounted map[string]string
	// Sticky mount points survive umount invocations without -l.
	Sticky map[string]bool
}

func NewMountTable() *MountTable {
	return &MountTable{mounted: make(map[string]string), Sticky: make(map[string]bool)}
}

// IsMounted has the signature of osutil.IsMounted.
func (m *MountTable) IsMounted(dir string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.mounted[dir]
	return ok, nil
}

// Mount records dir as mounted from source.
func (m *MountTable) Mount(source, dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mounted[dir] = source
}

// Source returns what is mounted on dir.
func (m *MountTable) Source(dir string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted[dir]
}

// Len returns the number of active mounts.
func (m *MountTable) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mounted)
}

func (m *MountTable) apply(cmd toolrunner.Command) {
	if len(cmd.Args) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	positional := make([]string, 0, 2)
	lazy := false
	for i := 0; i < len(cmd.Args); i++ {
		a := cmd.Args[i]
		switch {
		case a == "-t" || a == "-o":
			i++
		case strings.HasPrefix(a, "-"):
			if strings.Contains(a, "l") {
				lazy = true
			}
		default:
			positional = append(positional, a)
		}
	}
	switch cmd.Name {
	case "mount":
		if len(positional) == 2 {
			m.mounted[positional[1]] = positional[0]
		}
	case "umount":
		for _, dir := range positional {
			if m.Sticky[dir] && !lazy {
				continue
			}
			delete(m.mounted, dir)
			for mp, src := range m.mounted {
				if src == dir && (!m.Sticky[mp] || lazy) {
					delete(m.mounted, mp)
				}
			}
		}
	}
}

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

package cmd

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

var (
	// Version is set at build time with -ldflags "-X".
	Version = "unknown"

	pid2ProcPath = "/proc/2/status"

	containerOnce    sync.Once
	containerRuntime bool = true
)

// Containerised returns true if we are running inside a container runtime
// such as lxd or Docker, where the receiver's block devices are usually
// missing. Outside a container the kernel's kthreadd process is PID 2 with
// a parent PID of zero. If /proc is not mounted, a container is assumed.
func Containerised() bool {
	containerOnce.Do(func() {
		s, err := os.ReadFile(pid2ProcPath)
		if err != nil {
			return
		}
		for _, l := range strings.Split(string(s), "\n") {
			key, value, ok := strings.Cut(l, "\t")
			if !ok || key != "PPid:" {
				continue
			}
			if ppid, err := strconv.Atoi(value); err == nil && ppid == 0 {
				containerRuntime = false
			}
			break
		}
	})
	return containerRuntime
}

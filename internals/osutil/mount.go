// Copyright (c) 2023 Canonical Ltd
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

package osutil

import (
	"path/filepath"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

var (
	syscallSync      = unix.Sync
	mountinfoMounted = mountinfo.Mounted
)

// IsMounted reports whether dir is a mount point.
func IsMounted(dir string) (bool, error) {
	return mountinfoMounted(filepath.Clean(dir))
}

// Sync flushes all pending filesystem writes to the underlying devices.
func Sync() {
	syscallSync()
}

// Copyright (c) 2014-2020 Canonical Ltd
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
	"os"
)

func FakeMountinfoMounted(f func(string) (bool, error)) (restore func()) {
	old := mountinfoMounted
	mountinfoMounted = f
	return func() {
		mountinfoMounted = old
	}
}

func FakeSyscallSync(f func()) (restore func()) {
	old := syscallSync
	syscallSync = f
	return func() {
		syscallSync = old
	}
}

func FakeSyncDir(f func(*os.File) error) (restore func()) {
	old := syncDir
	syncDir = f
	return func() {
		syncDir = old
	}
}

func FakeFchmod(f func(*os.File, os.FileMode) error) (restore func()) {
	old := fchmod
	fchmod = f
	return func() {
		fchmod = old
	}
}

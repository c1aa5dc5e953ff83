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

package slots

import (
	"os"
)

func FakeIsMounted(f func(string) (bool, error)) (restore func()) {
	old := isMounted
	isMounted = f
	return func() {
		isMounted = old
	}
}

func FakeSync(f func()) (restore func()) {
	old := syncFS
	syncFS = f
	return func() {
		syncFS = old
	}
}

func FakeReadDir(f func(string) ([]os.DirEntry, error)) (restore func()) {
	old := osReadDir
	osReadDir = f
	return func() {
		osReadDir = old
	}
}

func FakeRemoveAll(f func(string) error) (restore func()) {
	old := removeAll
	removeAll = f
	return func() {
		removeAll = old
	}
}

func (i *Inspector) Release(dir string) bool {
	return i.release(dir)
}

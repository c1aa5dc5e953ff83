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
	"fmt"
	"os"
	"path/filepath"

	"github.com/canonical/x-go/randutil"
)

// AtomicWriteFile writes data to filename so that readers either see the
// old content or the new content, never a mix. The data is written to a
// temporary sibling file which is synced and then renamed over the target;
// the containing directory is synced afterwards.
func AtomicWriteFile(filename string, data []byte, perm os.FileMode) (err error) {
	tmp := filename + "." + randutil.RandomString(12) + "~"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	renamed := false
	defer func() {
		if !renamed {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return err
	}
	// O_CREATE applies the umask; startup files need their exact mode.
	// vfat refuses modes outside its mount mask, so chmod only on mismatch.
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Mode().Perm() != perm {
		if err := fchmod(f, perm); err != nil {
			return err
		}
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, filename); err != nil {
		return err
	}
	renamed = true

	dir, err := os.Open(filepath.Dir(filename))
	if err != nil {
		return fmt.Errorf("cannot open directory of %q: %w", filename, err)
	}
	defer dir.Close()
	return syncDir(dir)
}

var (
	syncDir = (*os.File).Sync
	fchmod  = (*os.File).Chmod
)

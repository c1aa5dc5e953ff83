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

// Package slots inspects and wipes the multiboot slot partitions. Every
// operation mounts the slot, works on it, and releases the mount before
// returning, whatever happens in between.
package slots

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/canonical/x-go/strutil"

	"github.com/canonical/dreamboot/internals/logger"
	"github.com/canonical/dreamboot/internals/osutil"
	"github.com/canonical/dreamboot/internals/partinfo"
	"github.com/canonical/dreamboot/internals/toolrunner"
)

// Slot is a fixed partition able to hold one installed image.
type Slot struct {
	Name        string `json:"name"`
	Device      string `json:"device"`
	MountPoint  string `json:"mount-point"`
	StartupFile string `json:"startup-file"`
	Kernel      string `json:"kernel"`
}

const (
	// NameEmpty is reported for slots without an installed system.
	NameEmpty = "Empty"
	// NameUnknownImage is reported when etc/issue exists but yields no name.
	NameUnknownImage = "Unknown Image"
	// NameUnknownSystem is reported for systems without etc/issue.
	NameUnknownSystem = "Unknown System"

	lostFound = "lost+found"
)

var systemDirs = []string{"bin", "sbin", "usr", "etc", "lib"}

// Occupancy is what an inspection found in a slot.
type Occupancy struct {
	ImageExists bool   `json:"image-exists"`
	ImageName   string `json:"image-name"`
	FSType      string `json:"fs-type,omitempty"`
	Label       string `json:"label,omitempty"`
}

type Options struct {
	MountTimeout  time.Duration
	FormatTimeout time.Duration
}

// Inspector mounts slots to look at or clear their content.
type Inspector struct {
	runner        toolrunner.Runner
	mountTimeout  time.Duration
	formatTimeout time.Duration
}

func NewInspector(runner toolrunner.Runner, opts Options) *Inspector {
	return &Inspector{
		runner:        runner,
		mountTimeout:  opts.MountTimeout,
		formatTimeout: opts.FormatTimeout,
	}
}

var (
	isMounted = osutil.IsMounted
	probe     = partinfo.Probe
	syncFS    = osutil.Sync
	osReadDir = os.ReadDir
	removeAll = os.RemoveAll
)

// mount mounts the slot device on its mount point. Anything already
// mounted there is released first so the right device is looked at.
func (i *Inspector) mount(ctx context.Context, slot Slot, info *partinfo.Info) error {
	if err := os.MkdirAll(slot.MountPoint, 0755); err != nil {
		return fmt.Errorf("cannot create mount point: %w", err)
	}
	if mounted, err := isMounted(slot.MountPoint); err == nil && mounted {
		logger.Noticef("Mount point %q already in use, releasing it.", slot.MountPoint)
		if !i.release(slot.MountPoint) {
			return fmt.Errorf("cannot release %q", slot.MountPoint)
		}
	}

	args := []string{slot.Device, slot.MountPoint}
	if info != nil {
		args = append([]string{"-t", string(info.FSType)}, args...)
	}
	_, err := i.runner.Run(ctx, toolrunner.Command{
		Step:          "mount " + slot.Name,
		Name:          "mount",
		Args:          args,
		Timeout:       i.mountTimeout,
		Interruptible: true,
	})
	return err
}

// release unmounts dir, escalating from a plain to a forced to a lazy
// unmount while it stays mounted. It reports whether dir ended up free.
// Failures are logged and otherwise ignored.
func (i *Inspector) release(dir string) bool {
	// Cleanup must run even when the caller gave up.
	ctx := context.Background()
	for _, flags := range [][]string{nil, {"-f"}, {"-l"}} {
		mounted, err := isMounted(dir)
		if err != nil {
			logger.Noticef("Cannot check whether %q is mounted: %v", dir, err)
		} else if !mounted {
			return true
		}
		args := append(append([]string(nil), flags...), dir)
		if _, err := i.runner.Run(ctx, toolrunner.Command{
			Name:    "umount",
			Args:    args,
			Timeout: i.mountTimeout,
		}); err != nil {
			logger.Debugf("Cannot unmount %q: %v", dir, err)
		}
	}
	mounted, err := isMounted(dir)
	if err == nil && !mounted {
		return true
	}
	logger.Noticef("Cannot unmount %q, giving up.", dir)
	return false
}

func topLevelEntries(dir string) ([]string, error) {
	entries, err := osReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Name() != lostFound {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Inspect mounts slot and reports whether it holds a system, and its name.
// A slot that cannot be mounted is reported as empty.
func (i *Inspector) Inspect(ctx context.Context, slot Slot) (occ Occupancy) {
	occ.ImageName = NameEmpty

	info, err := probe(slot.Device)
	if err == nil {
		occ.FSType = string(info.FSType)
		occ.Label = info.Label
	} else {
		logger.Debugf("Cannot identify file system of %q: %v", slot.Device, err)
		info = nil
	}

	if err := i.mount(ctx, slot, info); err != nil {
		logger.Debugf("Cannot mount %s: %v", slot.Name, err)
		return occ
	}
	defer i.release(slot.MountPoint)

	names, err := topLevelEntries(slot.MountPoint)
	if err != nil {
		logger.Noticef("Cannot list content of %s: %v", slot.Name, err)
		return occ
	}
	if len(names) == 0 {
		return occ
	}
	occ.ImageExists = true

	issue := filepath.Join(slot.MountPoint, "etc", "issue")
	if data, err := os.ReadFile(issue); err == nil {
		occ.ImageName = ImageName(string(data))
	} else if osutil.CanStat(issue) {
		occ.ImageName = NameUnknownImage
	} else if hasSystemDirs(slot.MountPoint, names) {
		occ.ImageName = NameUnknownSystem
	}
	return occ
}

func hasSystemDirs(root string, names []string) bool {
	for _, d := range systemDirs {
		if strutil.ListContains(names, d) && osutil.CanStat(filepath.Join(root, d)) {
			return true
		}
	}
	return false
}

// ImageName extracts the image name from the content of an etc/issue file:
// the first line without its "Welcome to" prefix and getty escapes.
func ImageName(issue string) string {
	line, _, _ := strings.Cut(issue, "\n")
	line = strings.TrimSpace(line)
	for _, junk := range []string{"Welcome to", `\n`, `\l`} {
		line = strings.ReplaceAll(line, junk, "")
	}
	if line = strings.TrimSpace(line); line == "" {
		return NameUnknownImage
	}
	return line
}

// WipeResult describes what a wipe did.
type WipeResult struct {
	// Err is set when the slot could not be mounted or listed; nothing
	// was removed then.
	Err error
	// AlreadyEmpty is set when the slot held nothing but lost+found.
	AlreadyEmpty bool
	Removed      int
	// RemoveErrs lists entries that could not be removed.
	RemoveErrs []error
	// Released reports whether the mount point was free at the end.
	Released bool
	// ReformatErr is set when the reformat was attempted and failed, or
	// skipped because the device stayed mounted.
	ReformatErr error
	Reformatted bool
}

// Wipe removes every top-level entry of the slot except lost+found and,
// if reformat is set, recreates the ext4 file system once the mount is
// released. An already empty slot is left alone.
func (i *Inspector) Wipe(ctx context.Context, slot Slot, reformat bool) (res WipeResult) {
	var info *partinfo.Info
	if pi, err := probe(slot.Device); err == nil {
		info = pi
	}
	if err := i.mount(ctx, slot, info); err != nil {
		res.Err = err
		return res
	}
	released := false
	defer func() {
		if !released {
			res.Released = i.release(slot.MountPoint)
		}
	}()

	names, err := topLevelEntries(slot.MountPoint)
	if err != nil {
		res.Err = fmt.Errorf("cannot list slot content: %w", err)
		return res
	}
	if len(names) == 0 {
		res.AlreadyEmpty = true
		return res
	}
	logger.Noticef("Removing %d entries from %s.", len(names), slot.Name)
	for _, name := range names {
		p := filepath.Join(slot.MountPoint, name)
		if err := removeAll(p); err != nil {
			logger.Noticef("Cannot remove %q: %v", p, err)
			res.RemoveErrs = append(res.RemoveErrs, err)
			continue
		}
		res.Removed++
	}
	syncFS()

	released = true
	res.Released = i.release(slot.MountPoint)
	if !reformat {
		return res
	}
	if !res.Released {
		res.ReformatErr = fmt.Errorf("cannot reformat %s: still mounted", slot.Device)
		return res
	}
	logger.Noticef("Reformatting %s.", slot.Device)
	_, err = i.runner.Run(ctx, toolrunner.Command{
		Step:    "reformat " + slot.Name,
		Name:    "mkfs.ext4",
		Args:    []string{"-F", slot.Device},
		Timeout: i.formatTimeout,
	})
	if err != nil {
		res.ReformatErr = err
		return res
	}
	res.Reformatted = true
	return res
}

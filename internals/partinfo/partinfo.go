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

// Package partinfo identifies the filesystem on a slot partition by reading
// its superblock, without mounting it.
package partinfo

import (
	"errors"
	"fmt"
	"io"
	"os"
)

type FSType string

const (
	FSTypeExt4 FSType = "ext4"
	FSTypeVFAT FSType = "vfat"
)

// Info describes the filesystem found on a device.
type Info struct {
	Device string
	FSType FSType
	// Label is the volume name, empty when unset.
	Label string
}

// ErrUnrecognized is returned when no known superblock is found.
var ErrUnrecognized = errors.New("unrecognized file system")

type probeFunc func(r io.ReadSeeker) (FSType, string, error)

var probes = []probeFunc{
	probeVFAT,
	probeExt4,
}

// Probe reads the superblock of device.
func Probe(device string) (*Info, error) {
	f, err := os.Open(device)
	if err != nil {
		return nil, fmt.Errorf("cannot probe file system: %w", err)
	}
	defer f.Close()

	for _, probe := range probes {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("cannot probe file system: %w", err)
		}
		fsType, label, err := probe(f)
		if err != nil {
			continue
		}
		return &Info{Device: device, FSType: fsType, Label: label}, nil
	}
	return nil, fmt.Errorf("cannot probe file system on %q: %w", device, ErrUnrecognized)
}

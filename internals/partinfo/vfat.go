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

package partinfo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	vfatNoLabel        = "NO NAME"
	bootSig     uint16 = 0xAA55
)

// Boot sector of FAT12/16 and FAT32 volumes. FAT32 moves the extended
// boot record, and with it the label, 28 bytes further in.
// See <https://github.com/util-linux/util-linux/blob/master/libblkid/src/superblocks/vfat.c>
type vfatBootSector struct {
	_         [0x2B]byte               // [0x000:0x02A] Jump, OEM name and BPB
	Label16   [11]byte                 // [0x02B:0x035] FAT12/16 volume label
	Magic16   [8]byte                  // [0x036:0x03D] FAT12/16 type string
	_         [0x47 - (0x36 + 8)]byte  // [0x03E:0x046] Padding
	Label32   [11]byte                 // [0x047:0x051] FAT32 volume label
	Magic32   [8]byte                  // [0x052:0x059] FAT32 type string
	_         [0x1FE - (0x52 + 8)]byte // [0x05A:0x1FD] Boot code
	Signature uint16                   // [0x1FE:0x1FF] Boot sector signature
}

func probeVFAT(r io.ReadSeeker) (FSType, string, error) {
	var bs vfatBootSector
	if err := binary.Read(r, binary.LittleEndian, &bs); err != nil {
		return "", "", fmt.Errorf("cannot read boot sector: %w", err)
	}
	if bs.Signature != bootSig {
		return "", "", errors.New("invalid boot sector signature")
	}

	var label string
	switch {
	case strings.TrimSpace(string(bs.Magic32[:])) == "FAT32":
		label = string(bs.Label32[:])
	case strings.HasPrefix(string(bs.Magic16[:]), "FAT1"):
		label = string(bs.Label16[:])
	default:
		return "", "", errors.New("invalid vfat magic")
	}
	if label = strings.TrimSpace(label); label == vfatNoLabel {
		label = ""
	}
	return FSTypeVFAT, label, nil
}

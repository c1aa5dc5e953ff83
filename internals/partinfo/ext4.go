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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	extMagic       uint16 = 0xEF53
	extSuperOffset        = 1024
	extSuperSize          = 1024

	extChecksumNone   byte = 0
	extChecksumCRC32C byte = 1
)

// See <https://www.kernel.org/doc/html/latest/filesystems/ext4/globals.html>
type extSuperblock struct {
	_            [0x38]byte                // [0x000:0x037] Padding
	Magic        uint16                    // [0x038:0x03A] Magic signature
	_            [0x78 - (0x38 + 2)]byte   // [0x03A:0x077] Padding
	VolName      [16]byte                  // [0x078:0x087] Volume name
	_            [0x175 - (0x78 + 16)]byte // [0x088:0x174] Padding
	ChecksumType byte                      // [0x175] Superblock checksum type
	_            [0x3FC - (0x175 + 1)]byte // [0x176:0x3FB] Padding
	Checksum     uint32                    // [0x3FC:0x3FF] Superblock checksum
}

func probeExt4(r io.ReadSeeker) (FSType, string, error) {
	if _, err := r.Seek(extSuperOffset, io.SeekStart); err != nil {
		return "", "", fmt.Errorf("cannot seek: %w", err)
	}
	raw := make([]byte, extSuperSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", "", fmt.Errorf("cannot read superblock: %w", err)
	}
	var sb extSuperblock
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &sb); err != nil {
		return "", "", fmt.Errorf("cannot parse superblock: %w", err)
	}
	if sb.Magic != extMagic {
		return "", "", errors.New("invalid ext4 magic")
	}

	switch sb.ChecksumType {
	case extChecksumNone:
	case extChecksumCRC32C:
		// The stored value is the inverted CRC32-C of everything before it.
		crc := crc32.Checksum(raw[:extSuperSize-4], crc32.MakeTable(crc32.Castagnoli))
		if sb.Checksum != ^crc {
			return "", "", errors.New("invalid ext4 superblock checksum")
		}
	default:
		return "", "", errors.New("invalid ext4 checksum type")
	}
	return FSTypeExt4, string(bytes.TrimRight(sb.VolName[:], "\x00")), nil
}

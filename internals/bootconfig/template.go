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

package bootconfig

import (
	"bytes"
	"fmt"
)

const templateHeader = `default=0
details=0
timeout=10
fb_pos=100,400
fb_size=1080,300
`

const videoArgs = "logo=osd0,loaded,0x7f800000 vout=1080p50hz,enable hdmimode=1080p50hz fb_width=1280 fb_height=720 panel_type=lcd_4"

type section struct {
	name   string
	load   string
	root   string
	kernel string
}

// The internal eMMC images load from ext4 partitions 5-8; the SD card
// images keep their kernels on the FAT partition 1 and their root file
// systems on partitions 2-5.
var requiredSections = []section{
	{"Dreambox Image", "ext4load mmc 1:5", "/dev/mmcblk0p5", "/boot/kernel.img"},
	{"Dreambox Image 1", "ext4load mmc 1:6", "/dev/mmcblk0p6", "/boot/kernel.img"},
	{"Dreambox Image 2", "ext4load mmc 1:7", "/dev/mmcblk0p7", "/boot/kernel.img"},
	{"Dreambox Image 3", "ext4load mmc 1:8", "/dev/mmcblk0p8", "/boot/kernel.img"},
	{"SDcard Slot 5", "fatload mmc 0:1", "/dev/mmcblk1p2", "/kernel2.img"},
	{"SDcard Slot 6", "fatload mmc 0:1", "/dev/mmcblk1p3", "/kernel3.img"},
	{"SDcard Slot 7", "fatload mmc 0:1", "/dev/mmcblk1p4", "/kernel4.img"},
	{"SDcard Slot 8", "fatload mmc 0:1", "/dev/mmcblk1p5", "/kernel5.img"},
}

// RequiredSections returns the names of the sections every configuration
// must carry.
func RequiredSections() []string {
	names := make([]string, len(requiredSections))
	for i, sec := range requiredSections {
		names[i] = sec.name
	}
	return names
}

// Template returns the stock boot configuration.
func Template() []byte {
	var buf bytes.Buffer
	buf.WriteString(templateHeader)
	for _, sec := range requiredSections {
		fmt.Fprintf(&buf, "\n[%s]\n", sec.name)
		fmt.Fprintf(&buf, "cmd=%s 1080000 %s;bootm;\n", sec.load, sec.kernel)
		fmt.Fprintf(&buf, "arg=${bootargs} root=%s rootfstype=ext4 kernel=%s %s\n", sec.root, sec.kernel, videoArgs)
	}
	return buf.Bytes()
}

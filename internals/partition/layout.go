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

package partition

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

const (
	// GeneralLabel names the FAT region at the start of the card.
	GeneralLabel = "DREAMCARD"
	// FixedLabel names each of the ext4 slot regions.
	FixedLabel = "dreambox-rootfs"

	// startMB is where the first region begins, leaving room for the GPT.
	startMB = 1
)

// Region is one partition of the layout, in parted MB units.
type Region struct {
	Number  int    `json:"number"`
	Label   string `json:"label"`
	FSType  string `json:"fs-type"`
	StartMB int64  `json:"start-mb"`
	EndMB   int64  `json:"end-mb"`
}

func (r Region) SizeMB() int64 {
	return r.EndMB - r.StartMB
}

// Layout is the partitioning of a card: one general region followed by
// count fixed regions of equal size, all contiguous.
type Layout struct {
	CapacityMB int64    `json:"capacity-mb"`
	FixedMB    int64    `json:"fixed-mb"`
	Regions    []Region `json:"regions"`
}

// LayoutError is returned when a card is too small for the fixed regions.
type LayoutError struct {
	CapacityMB int64
	FixedMB    int64
	Count      int
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("card of %s is too small for %d slots of %s",
		humanizeMB(e.CapacityMB), e.Count, humanizeMB(e.FixedMB))
}

// NewLayout computes the layout of a card of capacityMB with count fixed
// regions of fixedMB each. The general region gets what is left.
func NewLayout(capacityMB, fixedMB int64, count int) (*Layout, error) {
	if fixedMB <= 0 || count <= 0 {
		return nil, fmt.Errorf("invalid fixed region size %d or count %d", fixedMB, count)
	}
	generalMB := capacityMB - int64(count)*fixedMB
	if generalMB <= 0 {
		return nil, &LayoutError{CapacityMB: capacityMB, FixedMB: fixedMB, Count: count}
	}

	l := &Layout{
		CapacityMB: capacityMB,
		FixedMB:    fixedMB,
		Regions:    make([]Region, 0, count+1),
	}
	l.Regions = append(l.Regions, Region{
		Number:  1,
		Label:   GeneralLabel,
		FSType:  "fat16",
		StartMB: startMB,
		EndMB:   startMB + generalMB,
	})
	for i := 0; i < count; i++ {
		start := l.Regions[len(l.Regions)-1].EndMB
		l.Regions = append(l.Regions, Region{
			Number:  i + 2,
			Label:   FixedLabel,
			FSType:  "ext4",
			StartMB: start,
			EndMB:   start + fixedMB,
		})
	}
	return l, nil
}

// General returns the general purpose region.
func (l *Layout) General() Region {
	return l.Regions[0]
}

// Fixed returns the slot regions in order.
func (l *Layout) Fixed() []Region {
	return l.Regions[1:]
}

func humanizeMB(mb int64) string {
	if mb < 0 {
		return fmt.Sprintf("%d MB", mb)
	}
	return humanize.IBytes(uint64(mb) << 20)
}

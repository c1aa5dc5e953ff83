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

package cli_test

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	. "gopkg.in/check.v1"

	"github.com/canonical/dreamboot/internals/cli"
)

type slotsSuite struct {
	BaseDreambootSuite
}

var _ = Suite(&slotsSuite{})

func (s *slotsSuite) TestSlotsNone(c *C) {
	err := s.run(c, "slots")
	c.Assert(err, IsNil)
	c.Check(s.Stdout(), Equals, "")
	c.Check(s.Stderr(), Equals, "No slot partitions found.\n")
}

func (s *slotsSuite) TestSlots(c *C) {
	s.addDevices(c, "mmcblk0p5", "mmcblk0p7")
	err := s.run(c, "slots")
	c.Assert(err, IsNil)

	lines := strings.Split(strings.TrimSuffix(s.Stdout(), "\n"), "\n")
	c.Assert(lines, HasLen, 3)
	c.Check(lines[0], Matches, `Slot +Device +Filesystem +Image`)
	c.Check(lines[1], Matches, fmt.Sprintf(`Slot 1 \(Multiboot 1\) +%s +- +Empty`, regexp.QuoteMeta(s.path("dev/mmcblk0p5"))))
	c.Check(lines[2], Matches, fmt.Sprintf(`Slot 3 \(Multiboot 3\) +%s +- +Empty`, regexp.QuoteMeta(s.path("dev/mmcblk0p7"))))
}

func (s *slotsSuite) TestDeleteSlotNeedsConfirmation(c *C) {
	s.addDevices(c, "mmcblk0p6")
	err := s.run(c, "delete-slot", "Slot 2 (Multiboot 2)")
	c.Check(err, ErrorMatches, "cannot ask for confirmation without a terminal, use --yes")
	c.Check(s.runner.Calls(), HasLen, 0)
}

func (s *slotsSuite) TestDeleteSlotDeclined(c *C) {
	s.restores = append(s.restores, cli.FakeIsStdinTTY(true))
	s.addDevices(c, "mmcblk0p6")
	s.stdin.WriteString("n\n")
	err := s.run(c, "delete-slot", "Slot 2 (Multiboot 2)")
	c.Assert(err, IsNil)
	c.Check(s.Stdout(), Equals, fmt.Sprintf("Delete everything installed in Slot 2 (Multiboot 2) (%s)? [y/N] ", s.path("dev/mmcblk0p6")))
	c.Check(s.Stderr(), Equals, "Nothing deleted.\n")
	c.Check(s.runner.Calls(), HasLen, 0)
}

func (s *slotsSuite) TestDeleteSlotConfirmed(c *C) {
	s.restores = append(s.restores, cli.FakeIsStdinTTY(true))
	s.addDevices(c, "mmcblk0p6")
	mountPoint := s.path("media/mmcblk0p6")
	c.Assert(os.MkdirAll(mountPoint+"/etc", 0755), IsNil)
	c.Assert(os.WriteFile(mountPoint+"/etc/issue", []byte("OpenATV 7.4 \\n \\l\n"), 0644), IsNil)

	s.stdin.WriteString("yes\n")
	err := s.run(c, "delete-slot", "Slot 2 (Multiboot 2)")
	c.Assert(err, IsNil)
	c.Check(s.Stdout(), Matches, `(?s).*\[y/N\] Image deleted from Slot 2 \(Multiboot 2\), slot is now empty\.\n`)
	_, err = os.Stat(mountPoint + "/etc")
	c.Check(os.IsNotExist(err), Equals, true)
}

func (s *slotsSuite) TestDeleteSlotNoDevice(c *C) {
	err := s.run(c, "delete-slot", "--yes", "Slot 2 (Multiboot 2)")
	c.Check(err, ErrorMatches, fmt.Sprintf(`Partition %s of Slot 2 \(Multiboot 2\) not found`, regexp.QuoteMeta(s.path("dev/mmcblk0p6"))))
}

func (s *slotsSuite) TestDeleteUnknownSlot(c *C) {
	err := s.run(c, "delete-slot", "--yes", "Slot 9")
	c.Check(err, ErrorMatches, `cannot find slot "Slot 9"`)
}

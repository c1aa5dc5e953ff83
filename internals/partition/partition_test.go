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

package partition_test

import (
	"context"
	"errors"
	"strings"
	"time"

	. "gopkg.in/check.v1"
	"gopkg.in/retry.v1"

	"github.com/canonical/dreamboot/internals/bootconfig"
	"github.com/canonical/dreamboot/internals/logger"
	"github.com/canonical/dreamboot/internals/partition"
	"github.com/canonical/dreamboot/internals/toolrunner"
	"github.com/canonical/dreamboot/internals/toolrunner/toolrunnertest"
)

const device = "/dev/mmcblk1"

type fakeStore struct {
	calls     []string
	entries   []bootconfig.SlotStartup
	writeErr  error
	ensureErr error
}

func (f *fakeStore) WriteSlotStartupFiles(entries []bootconfig.SlotStartup) error {
	f.calls = append(f.calls, "startup")
	f.entries = entries
	return f.writeErr
}

func (f *fakeStore) Ensure() error {
	f.calls = append(f.calls, "ensure")
	return f.ensureErr
}

type plannerSuite struct {
	runner  *toolrunnertest.FakeRunner
	store   *fakeStore
	planner *partition.Planner
	events  []partition.StepEvent
	// capacity answered by blockdev, in bytes
	capacity string

	logbuf   interface{ String() string }
	restores []func()
}

var _ = Suite(&plannerSuite{})

func (s *plannerSuite) SetUpTest(c *C) {
	s.capacity = "16106127360\n"
	s.events = nil
	s.store = &fakeStore{}
	s.runner = toolrunnertest.New()
	s.runner.Handler = func(cmd toolrunner.Command) toolrunnertest.Reply {
		if cmd.Name == "blockdev" {
			return toolrunnertest.Reply{Output: s.capacity}
		}
		return toolrunnertest.Reply{}
	}
	s.planner = partition.NewPlanner(s.runner, partition.Options{
		SlotCount:          4,
		SlotSizeMB:         1740,
		FallbackCapacityMB: 8192,
		ProbeTimeout:       time.Second,
		MountTimeout:       time.Second,
		PartitionTimeout:   time.Minute,
		FormatTimeout:      time.Minute,
		Store:              s.store,
		StartupEntries: []bootconfig.SlotStartup{
			{File: "STARTUP_5", Device: "/dev/mmcblk1p2", Kernel: "/kernel2.img"},
		},
	})

	logbuf, restoreLogger := logger.MockLogger("")
	s.logbuf = logbuf
	s.restores = []func(){
		restoreLogger,
		partition.FakeNodeExists(func(string) bool { return true }),
		partition.FakeNodeWaitStrategy(retry.LimitCount(3, retry.Regular{Total: time.Second})),
	}
}

func (s *plannerSuite) TearDownTest(c *C) {
	for i := len(s.restores) - 1; i >= 0; i-- {
		s.restores[i]()
	}
}

func (s *plannerSuite) observe(ev partition.StepEvent) {
	s.events = append(s.events, ev)
}

func (s *plannerSuite) TestCapacityMB(c *C) {
	mb, err := s.planner.CapacityMB(context.Background(), device)
	c.Assert(err, IsNil)
	c.Check(mb, Equals, int64(15360))
	c.Check(s.runner.CommandLines(), DeepEquals, []string{"blockdev --getsize64 /dev/mmcblk1"})
	c.Check(s.runner.Calls()[0].Interruptible, Equals, true)

	s.capacity = "garbage"
	_, err = s.planner.CapacityMB(context.Background(), device)
	c.Check(err, ErrorMatches, `cannot parse size of "/dev/mmcblk1": .*`)
}

func (s *plannerSuite) TestPartition(c *C) {
	res, err := s.planner.Partition(context.Background(), device, s.observe)
	c.Assert(err, IsNil)
	c.Check(res.Device, Equals, device)
	c.Check(res.Estimated, Equals, false)
	c.Check(res.Layout.General().SizeMB(), Equals, int64(15360-4*1740))

	c.Check(s.runner.CommandLines(), DeepEquals, []string{
		"blockdev --getsize64 /dev/mmcblk1",
		"umount -lf /dev/mmcblk1p1",
		"umount -lf /dev/mmcblk1p2",
		"umount -lf /dev/mmcblk1p3",
		"umount -lf /dev/mmcblk1p4",
		"umount -lf /dev/mmcblk1p5",
		"sgdisk -z /dev/mmcblk1",
		"parted --script /dev/mmcblk1 mklabel gpt",
		"parted --script /dev/mmcblk1 mkpart DREAMCARD fat16 1MB 8401MB",
		"parted --script /dev/mmcblk1 mkpart dreambox-rootfs ext4 8401MB 10141MB",
		"parted --script /dev/mmcblk1 mkpart dreambox-rootfs ext4 10141MB 11881MB",
		"parted --script /dev/mmcblk1 mkpart dreambox-rootfs ext4 11881MB 13621MB",
		"parted --script /dev/mmcblk1 mkpart dreambox-rootfs ext4 13621MB 15361MB",
		"partprobe /dev/mmcblk1",
		"mkfs.fat -F 32 -n DREAMCARD /dev/mmcblk1p1",
		"mkfs.ext4 -F /dev/mmcblk1p2",
		"mkfs.ext4 -F /dev/mmcblk1p3",
		"mkfs.ext4 -F /dev/mmcblk1p4",
		"mkfs.ext4 -F /dev/mmcblk1p5",
	})
	for _, cmd := range s.runner.Calls() {
		switch cmd.Name {
		case "sgdisk", "parted", "partprobe":
			c.Check(cmd.Interruptible, Equals, false)
			c.Check(cmd.Timeout, Equals, time.Minute)
		case "mkfs.fat", "mkfs.ext4":
			c.Check(cmd.Interruptible, Equals, false)
		}
	}
	c.Check(s.store.calls, DeepEquals, []string{"startup", "ensure"})
	c.Check(s.store.entries, HasLen, 1)

	c.Assert(s.events, HasLen, 32)
	c.Check(s.events[0], DeepEquals, partition.StepEvent{
		Step: "unmount card partitions", Index: 1, Total: 16, State: partition.StepStarted,
	})
	c.Check(s.events[1].State, Equals, partition.StepDone)
	c.Check(s.events[5], DeepEquals, partition.StepEvent{
		Step: "create GPT partition table", Index: 3, Total: 16, State: partition.StepDone,
	})
	c.Check(s.events[31], DeepEquals, partition.StepEvent{
		Step: "update boot configuration", Index: 16, Total: 16, State: partition.StepDone,
	})

	c.Check(res.Summary(), Equals, `SD card partitioned successfully:
- FAT32: 8.2 GiB
- 4x EXT4: 1.7 GiB each
- Slot startup files created
- Boot configuration updated`)
}

func (s *plannerSuite) TestPartitionNoDevice(c *C) {
	restore := partition.FakeNodeExists(func(string) bool { return false })
	defer restore()

	res, err := s.planner.Partition(context.Background(), device, s.observe)
	c.Check(res, IsNil)
	c.Check(errors.Is(err, partition.ErrDeviceNotFound), Equals, true)
	c.Check(err, ErrorMatches, `cannot partition "/dev/mmcblk1": device not found`)
	c.Check(s.runner.Calls(), HasLen, 0)
	c.Check(s.events, HasLen, 0)
}

func (s *plannerSuite) TestPartitionFallbackCapacity(c *C) {
	s.runner.Handler = func(cmd toolrunner.Command) toolrunnertest.Reply {
		if cmd.Name == "blockdev" {
			return toolrunnertest.Reply{ExitCode: 1, Output: "blockdev: cannot open"}
		}
		return toolrunnertest.Reply{}
	}

	res, err := s.planner.Partition(context.Background(), device, nil)
	c.Assert(err, IsNil)
	c.Check(res.Estimated, Equals, true)
	c.Check(res.Layout.CapacityMB, Equals, int64(8192))
	c.Check(res.Layout.General().SizeMB(), Equals, int64(1232))
	c.Check(res.Summary(), Matches, `(?s).*- Card size unknown, assumed 8.0 GiB`)
	c.Check(s.logbuf.String(), Matches, `(?s).*Cannot probe size of "/dev/mmcblk1", assuming 8.0 GiB.*`)
}

func (s *plannerSuite) TestPartitionTooSmall(c *C) {
	s.capacity = "7298088960" // 6960 MiB

	res, err := s.planner.Partition(context.Background(), device, s.observe)
	c.Check(res, IsNil)
	c.Check(err, FitsTypeOf, &partition.LayoutError{})
	c.Check(s.runner.CommandLines(), DeepEquals, []string{"blockdev --getsize64 /dev/mmcblk1"})
	c.Check(s.events, HasLen, 0)
	c.Check(s.store.calls, HasLen, 0)
}

func (s *plannerSuite) TestPartitionStepFailure(c *C) {
	s.runner.Handler = func(cmd toolrunner.Command) toolrunnertest.Reply {
		switch {
		case cmd.Name == "blockdev":
			return toolrunnertest.Reply{Output: s.capacity}
		case cmd.Name == "parted" && cmd.Args[2] == "mklabel":
			return toolrunnertest.Reply{ExitCode: 1, Output: "Error: Partition(s) on /dev/mmcblk1 are being used."}
		}
		return toolrunnertest.Reply{}
	}

	res, err := s.planner.Partition(context.Background(), device, s.observe)
	c.Check(res, IsNil)
	c.Assert(err, FitsTypeOf, &partition.StepError{})
	stepErr := err.(*partition.StepError)
	c.Check(stepErr.Step, Equals, "create GPT partition table")
	c.Check(stepErr.Index, Equals, 3)
	c.Check(err, ErrorMatches, `cannot create GPT partition table: parted: Error: Partition\(s\) on /dev/mmcblk1 are being used.`)

	var exitErr *toolrunner.ExitError
	c.Check(errors.As(err, &exitErr), Equals, true)
	c.Check(exitErr.ExitCode, Equals, 1)

	lines := s.runner.CommandLines()
	c.Check(lines[len(lines)-1], Equals, "parted --script /dev/mmcblk1 mklabel gpt")
	last := s.events[len(s.events)-1]
	c.Check(last.State, Equals, partition.StepFailed)
	c.Check(last.Step, Equals, "create GPT partition table")
	c.Check(last.Error, Matches, "parted: Error: .*")
	c.Check(s.store.calls, HasLen, 0)
}

func (s *plannerSuite) TestPartitionUnmountErrorsIgnored(c *C) {
	s.runner.Handler = func(cmd toolrunner.Command) toolrunnertest.Reply {
		switch cmd.Name {
		case "blockdev":
			return toolrunnertest.Reply{Output: s.capacity}
		case "umount":
			return toolrunnertest.Reply{ExitCode: 32, Output: "umount: not mounted"}
		}
		return toolrunnertest.Reply{}
	}

	_, err := s.planner.Partition(context.Background(), device, nil)
	c.Check(err, IsNil)
}

func (s *plannerSuite) TestPartitionCancelledBetweenSteps(c *C) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	observe := func(ev partition.StepEvent) {
		s.observe(ev)
		if ev.Step == "clean partition table" && ev.State == partition.StepDone {
			cancel()
		}
	}

	res, err := s.planner.Partition(ctx, device, observe)
	c.Check(res, IsNil)
	c.Check(errors.Is(err, context.Canceled), Equals, true)
	c.Check(err, ErrorMatches, "cannot create GPT partition table: context canceled")

	lines := s.runner.CommandLines()
	c.Check(lines[len(lines)-1], Equals, "sgdisk -z /dev/mmcblk1")
}

func (s *plannerSuite) TestPartitionNodesMissing(c *C) {
	restore := partition.FakeNodeExists(func(p string) bool {
		return !strings.HasSuffix(p, "p3")
	})
	defer restore()

	_, err := s.planner.Partition(context.Background(), device, s.observe)
	c.Check(err, ErrorMatches, `cannot re-read partition table: partition "/dev/mmcblk1p3" did not appear`)
	lines := s.runner.CommandLines()
	c.Check(lines[len(lines)-1], Equals, "partprobe /dev/mmcblk1")
}

func (s *plannerSuite) TestPartitionNodesAppearLate(c *C) {
	checks := 0
	restore := partition.FakeNodeExists(func(p string) bool {
		if p == "/dev/mmcblk1p1" {
			checks++
			return checks > 2
		}
		return true
	})
	defer restore()

	_, err := s.planner.Partition(context.Background(), device, nil)
	c.Check(err, IsNil)
	c.Check(checks, Equals, 3)
}

func (s *plannerSuite) TestPartitionStoreFailure(c *C) {
	s.store.writeErr = errors.New("read-only file system")

	_, err := s.planner.Partition(context.Background(), device, nil)
	c.Check(err, ErrorMatches, "cannot create slot startup files: read-only file system")
	c.Check(s.store.calls, DeepEquals, []string{"startup"})
}

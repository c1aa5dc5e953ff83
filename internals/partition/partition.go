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

// Package partition re-partitions the SD card into a general FAT region
// and the fixed ext4 slot regions, then formats them.
package partition

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/retry.v1"

	"github.com/canonical/dreamboot/internals/bootconfig"
	"github.com/canonical/dreamboot/internals/logger"
	"github.com/canonical/dreamboot/internals/osutil"
	"github.com/canonical/dreamboot/internals/toolrunner"
)

// ErrDeviceNotFound is returned when the card device node is absent.
var ErrDeviceNotFound = errors.New("device not found")

// StepState is the state reported for a step.
type StepState string

const (
	StepStarted StepState = "started"
	StepDone    StepState = "done"
	StepFailed  StepState = "failed"
)

// StepEvent reports the progress of one step of the sequence.
type StepEvent struct {
	Step  string    `json:"step"`
	Index int       `json:"index"`
	Total int       `json:"total"`
	State StepState `json:"state"`
	Error string    `json:"error,omitempty"`
}

// Observer is notified of every step transition.
type Observer func(ev StepEvent)

// StepError is returned when a step of the sequence fails. Steps already
// carried out are not undone.
type StepError struct {
	Step  string
	Index int
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("cannot %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// ConfigStore is the part of the boot configuration store the planner
// refreshes once the card is formatted.
type ConfigStore interface {
	WriteSlotStartupFiles(entries []bootconfig.SlotStartup) error
	Ensure() error
}

type Options struct {
	// SlotCount is the number of fixed regions.
	SlotCount int
	// SlotSizeMB is the size of each fixed region.
	SlotSizeMB int
	// FallbackCapacityMB is assumed when the card size cannot be probed.
	FallbackCapacityMB int

	ProbeTimeout     time.Duration
	MountTimeout     time.Duration
	PartitionTimeout time.Duration
	FormatTimeout    time.Duration

	Store          ConfigStore
	StartupEntries []bootconfig.SlotStartup
}

// Planner drives the destructive partitioning sequence.
type Planner struct {
	runner toolrunner.Runner
	opts   Options
}

func NewPlanner(runner toolrunner.Runner, opts Options) *Planner {
	return &Planner{runner: runner, opts: opts}
}

// Result describes a completed partitioning.
type Result struct {
	Device string  `json:"device"`
	Layout *Layout `json:"layout"`
	// Estimated is set when the card size could not be probed and the
	// fallback capacity was used.
	Estimated bool `json:"estimated,omitempty"`
}

// Summary is a human readable account of the new layout.
func (r *Result) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "SD card partitioned successfully:\n")
	fmt.Fprintf(&b, "- FAT32: %s\n", humanizeMB(r.Layout.General().SizeMB()))
	fmt.Fprintf(&b, "- %dx EXT4: %s each\n", len(r.Layout.Fixed()), humanizeMB(r.Layout.FixedMB))
	fmt.Fprintf(&b, "- Slot startup files created\n")
	fmt.Fprintf(&b, "- Boot configuration updated")
	if r.Estimated {
		fmt.Fprintf(&b, "\n- Card size unknown, assumed %s", humanizeMB(r.Layout.CapacityMB))
	}
	return b.String()
}

var (
	nodeExists = osutil.CanStat

	nodeWaitStrategy retry.Strategy = retry.Regular{
		Total: 5 * time.Second,
		Delay: 250 * time.Millisecond,
	}
)

// PartNode returns the node of partition n of device.
func PartNode(device string, n int) string {
	return fmt.Sprintf("%sp%d", device, n)
}

// CapacityMB returns the size of device in MiB, as reported by blockdev.
func (p *Planner) CapacityMB(ctx context.Context, device string) (int64, error) {
	res, err := p.runner.Run(ctx, toolrunner.Command{
		Step:          "probe card size",
		Name:          "blockdev",
		Args:          []string{"--getsize64", device},
		Timeout:       p.opts.ProbeTimeout,
		Interruptible: true,
	})
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(res.Output)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse size of %q: %w", device, err)
	}
	return size >> 20, nil
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

func (p *Planner) tool(timeout time.Duration, name string, args ...string) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := p.runner.Run(ctx, toolrunner.Command{
			Name:    name,
			Args:    args,
			Timeout: timeout,
		})
		return err
	}
}

func (p *Planner) steps(device string, layout *Layout) []step {
	parted := func(args ...string) []string {
		return append([]string{"--script", device}, args...)
	}

	steps := []step{{
		name: "unmount card partitions",
		run: func(ctx context.Context) error {
			for _, r := range layout.Regions {
				node := PartNode(device, r.Number)
				if _, err := p.runner.Run(ctx, toolrunner.Command{
					Name:          "umount",
					Args:          []string{"-lf", node},
					Timeout:       p.opts.MountTimeout,
					Interruptible: true,
				}); err != nil {
					logger.Debugf("Cannot unmount %q: %v", node, err)
				}
			}
			return nil
		},
	}, {
		name: "clean partition table",
		run:  p.tool(p.opts.PartitionTimeout, "sgdisk", "-z", device),
	}, {
		name: "create GPT partition table",
		run:  p.tool(p.opts.PartitionTimeout, "parted", parted("mklabel", "gpt")...),
	}}

	for _, r := range layout.Regions {
		name := fmt.Sprintf("create partition %d (EXT4)", r.Number)
		if r.Label == GeneralLabel {
			name = fmt.Sprintf("create partition %d (FAT32)", r.Number)
		}
		steps = append(steps, step{
			name: name,
			run: p.tool(p.opts.PartitionTimeout, "parted", parted("mkpart", r.Label, r.FSType,
				fmt.Sprintf("%dMB", r.StartMB), fmt.Sprintf("%dMB", r.EndMB))...),
		})
	}

	steps = append(steps, step{
		name: "re-read partition table",
		run: func(ctx context.Context) error {
			if err := p.tool(p.opts.PartitionTimeout, "partprobe", device)(ctx); err != nil {
				return err
			}
			return waitNodes(device, layout)
		},
	})

	for _, r := range layout.Regions {
		node := PartNode(device, r.Number)
		if r.Label == GeneralLabel {
			steps = append(steps, step{
				name: fmt.Sprintf("format partition %d (FAT32)", r.Number),
				run:  p.tool(p.opts.FormatTimeout, "mkfs.fat", "-F", "32", "-n", GeneralLabel, node),
			})
			continue
		}
		steps = append(steps, step{
			name: fmt.Sprintf("format partition %d (EXT4)", r.Number),
			run:  p.tool(p.opts.FormatTimeout, "mkfs.ext4", "-F", node),
		})
	}

	steps = append(steps, step{
		name: "create slot startup files",
		run: func(context.Context) error {
			if p.opts.Store == nil {
				return nil
			}
			return p.opts.Store.WriteSlotStartupFiles(p.opts.StartupEntries)
		},
	}, step{
		name: "update boot configuration",
		run: func(context.Context) error {
			if p.opts.Store == nil {
				return nil
			}
			return p.opts.Store.Ensure()
		},
	})
	return steps
}

// waitNodes waits for the kernel to create the partition nodes after the
// table was re-read.
func waitNodes(device string, layout *Layout) error {
	var missing string
	for attempt := retry.Start(nodeWaitStrategy, nil); attempt.Next(); {
		missing = ""
		for _, r := range layout.Regions {
			if node := PartNode(device, r.Number); !nodeExists(node) {
				missing = node
				break
			}
		}
		if missing == "" {
			return nil
		}
	}
	return fmt.Errorf("partition %q did not appear", missing)
}

// Partition wipes device and lays it out anew, reporting each step to
// observe if not nil. The context is only checked between steps; a running
// tool is bounded by its own timeout.
func (p *Planner) Partition(ctx context.Context, device string, observe Observer) (*Result, error) {
	if !nodeExists(device) {
		return nil, fmt.Errorf("cannot partition %q: %w", device, ErrDeviceNotFound)
	}

	res := &Result{Device: device}
	capacity, err := p.CapacityMB(ctx, device)
	if err != nil {
		logger.Noticef("Cannot probe size of %q, assuming %s: %v", device, humanizeMB(int64(p.opts.FallbackCapacityMB)), err)
		capacity = int64(p.opts.FallbackCapacityMB)
		res.Estimated = true
	}
	layout, err := NewLayout(capacity, int64(p.opts.SlotSizeMB), p.opts.SlotCount)
	if err != nil {
		return nil, err
	}
	res.Layout = layout
	logger.Noticef("Partitioning %q (%s): general region %s, %d slots of %s.", device,
		humanizeMB(capacity), humanizeMB(layout.General().SizeMB()), len(layout.Fixed()), humanizeMB(layout.FixedMB))

	steps := p.steps(device, layout)
	notify := func(i int, state StepState, err error) {
		if observe == nil {
			return
		}
		ev := StepEvent{Step: steps[i].name, Index: i + 1, Total: len(steps), State: state}
		if err != nil {
			ev.Error = err.Error()
		}
		observe(ev)
	}
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return nil, &StepError{Step: s.name, Index: i + 1, Err: err}
		}
		notify(i, StepStarted, nil)
		logger.Debugf("Partitioning step %d/%d: %s.", i+1, len(steps), s.name)
		if err := s.run(ctx); err != nil {
			notify(i, StepFailed, err)
			logger.Noticef("Cannot %s on %q: %v", s.name, device, err)
			return nil, &StepError{Step: s.name, Index: i + 1, Err: err}
		}
		notify(i, StepDone, nil)
	}
	return res, nil
}

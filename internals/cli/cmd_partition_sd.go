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

package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/canonical/go-flags"

	"github.com/canonical/dreamboot/internals/bootmgr"
	"github.com/canonical/dreamboot/internals/partition"
)

const cmdPartitionSDSummary = "Partition the SD card for four more slots"
const cmdPartitionSDDescription = `
The partition-sd command erases the SD card and creates a FAT32 partition for
kernels and shared files followed by four ext4 slot partitions. The boot
configuration and the slot startup files are updated afterwards.

Interrupting the command stops it before the next step. Partitioning and
formatting tools that already run are allowed to finish.
`

type cmdPartitionSD struct {
	sessionMixin

	Yes bool `long:"yes"`
}

func init() {
	AddCommand(&CmdInfo{
		Name:        "partition-sd",
		Summary:     cmdPartitionSDSummary,
		Description: cmdPartitionSDDescription,
		Builder:     func() flags.Commander { return &cmdPartitionSD{} },
		OptionsHelp: map[string]string{
			"yes": "Do not ask for confirmation",
		},
	})
}

func (cmd *cmdPartitionSD) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}
	settings, err := cmd.session.Settings()
	if err != nil {
		return err
	}
	m, err := cmd.session.Manager()
	if err != nil {
		return err
	}
	if !cmd.Yes {
		ok, err := confirm(fmt.Sprintf("Erase all data on the SD card %s?", settings.SDDevice))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(Stderr, "SD card left untouched.")
			return nil
		}
	}

	m.Observe(func(ev bootmgr.Event) {
		if ev.Type != bootmgr.EventStep {
			return
		}
		switch ev.Step.State {
		case partition.StepStarted:
			fmt.Fprintf(Stderr, "[%d/%d] %s\n", ev.Step.Index, ev.Step.Total, ev.Step.Step)
		case partition.StepFailed:
			fmt.Fprintf(Stderr, "[%d/%d] %s failed\n", ev.Step.Index, ev.Step.Total, ev.Step.Step)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return report(m.PartitionSDCard(ctx))
}

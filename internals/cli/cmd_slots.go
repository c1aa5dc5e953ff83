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
)

const cmdSlotsSummary = "List the slots and their systems"
const cmdSlotsDescription = `
The slots command lists the slot partitions present on this receiver and the
system installed in each. Inspecting a slot mounts its partition for a moment.
`

type cmdSlots struct {
	sessionMixin
}

func init() {
	AddCommand(&CmdInfo{
		Name:        "slots",
		Summary:     cmdSlotsSummary,
		Description: cmdSlotsDescription,
		Builder:     func() flags.Commander { return &cmdSlots{} },
	})
}

func (cmd *cmdSlots) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}
	m, err := cmd.session.Manager()
	if err != nil {
		return err
	}

	infos := m.ListSlots(context.Background())
	if len(infos) == 0 {
		fmt.Fprintln(Stderr, "No slot partitions found.")
		return nil
	}
	w := tabWriter()
	defer w.Flush()
	fmt.Fprintln(w, "Slot\tDevice\tFilesystem\tImage")
	for _, info := range infos {
		fs := "-"
		if info.FSType != "" {
			fs = info.FSType
			if info.Label != "" {
				fs += ":" + info.Label
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Name, info.Device, fs, info.ImageName)
	}
	return nil
}

const cmdDeleteSlotSummary = "Delete the system installed in a slot"
const cmdDeleteSlotDescription = `
The delete-slot command removes everything installed in the named slot and
reformats its partition. The partition itself is kept.
`

type cmdDeleteSlot struct {
	sessionMixin

	Yes        bool `long:"yes"`
	Positional struct {
		Slot string `positional-arg-name:"<slot>" required:"yes"`
	} `positional-args:"yes"`
}

func init() {
	AddCommand(&CmdInfo{
		Name:        "delete-slot",
		Summary:     cmdDeleteSlotSummary,
		Description: cmdDeleteSlotDescription,
		Builder:     func() flags.Commander { return &cmdDeleteSlot{} },
		OptionsHelp: map[string]string{
			"yes": "Do not ask for confirmation",
		},
		ArgumentsHelp: map[string]ArgumentHelp{
			"<slot>": {"<slot>", "Name of the slot, as listed by 'slots'"},
		},
	})
}

func (cmd *cmdDeleteSlot) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}
	m, err := cmd.session.Manager()
	if err != nil {
		return err
	}
	slot, ok := m.FindSlot(cmd.Positional.Slot)
	if !ok {
		return fmt.Errorf("cannot find slot %q", cmd.Positional.Slot)
	}
	if !cmd.Yes {
		ok, err := confirm(fmt.Sprintf("Delete everything installed in %s (%s)?", slot.Name, slot.Device))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(Stderr, "Nothing deleted.")
			return nil
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return report(m.DeleteSlotImage(ctx, slot))
}

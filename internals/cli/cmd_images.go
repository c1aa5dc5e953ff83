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

	"github.com/canonical/go-flags"

	"github.com/canonical/dreamboot/internals/systemd"
)

const cmdImagesSummary = "List the boot images"
const cmdImagesDescription = `
The images command lists the boot images of the boot configuration, in menu
order, marking the one that boots next.
`

type cmdImages struct {
	sessionMixin
}

func init() {
	AddCommand(&CmdInfo{
		Name:        "images",
		Summary:     cmdImagesSummary,
		Description: cmdImagesDescription,
		Builder:     func() flags.Commander { return &cmdImages{} },
	})
}

func (cmd *cmdImages) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}
	m, err := cmd.session.Manager()
	if err != nil {
		return err
	}

	current := m.CurrentBootImage()
	w := tabWriter()
	defer w.Flush()
	fmt.Fprintln(w, "Index\tName")
	for _, img := range m.ListImages() {
		name := img.Name
		if name == current {
			name += " (current)"
		}
		fmt.Fprintf(w, "%d\t%s\n", img.Index, name)
	}
	return nil
}

const cmdCurrentSummary = "Show the image that boots next"
const cmdCurrentDescription = `
The current command shows the name of the boot image that boots next, or
"Unknown" when it cannot be told.
`

type cmdCurrent struct {
	sessionMixin
}

func init() {
	AddCommand(&CmdInfo{
		Name:        "current",
		Summary:     cmdCurrentSummary,
		Description: cmdCurrentDescription,
		Builder:     func() flags.Commander { return &cmdCurrent{} },
	})
}

func (cmd *cmdCurrent) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}
	m, err := cmd.session.Manager()
	if err != nil {
		return err
	}
	fmt.Fprintln(Stdout, m.CurrentBootImage())
	return nil
}

const cmdSelectSummary = "Choose the image to boot next"
const cmdSelectDescription = `
The select command makes the named boot image the one to boot next, through
the default entry of the boot configuration and the startup markers.
`

type cmdSelect struct {
	sessionMixin

	Reboot     bool `long:"reboot"`
	Positional struct {
		Image string `positional-arg-name:"<image>" required:"yes"`
	} `positional-args:"yes"`
}

func init() {
	AddCommand(&CmdInfo{
		Name:        "select",
		Summary:     cmdSelectSummary,
		Description: cmdSelectDescription,
		Builder:     func() flags.Commander { return &cmdSelect{} },
		OptionsHelp: map[string]string{
			"reboot": "Reboot into the image once it is selected",
		},
		ArgumentsHelp: map[string]ArgumentHelp{
			"<image>": {"<image>", "Name of the boot image, as listed by 'images'"},
		},
	})
}

func (cmd *cmdSelect) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}
	m, err := cmd.session.Manager()
	if err != nil {
		return err
	}
	img, ok := m.FindImage(cmd.Positional.Image)
	if !ok {
		return fmt.Errorf("cannot find boot image %q", cmd.Positional.Image)
	}
	if err := report(m.SelectImage(context.Background(), img)); err != nil {
		return err
	}
	if !cmd.Reboot {
		return nil
	}
	msg := fmt.Sprintf("Rebooting into %s", img.Name)
	if err := systemd.NewShutdown(newRunner()).Reboot(context.Background(), 0, msg); err != nil {
		return fmt.Errorf("cannot reboot: %w", err)
	}
	fmt.Fprintln(Stdout, "Rebooting.")
	return nil
}

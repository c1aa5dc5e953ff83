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
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/canonical/go-flags"
)

const cmdHelpSummary = "Show help about a command"
const cmdHelpDescription = `
The help command displays information about commands.
`

type cmdHelp struct {
	parser *flags.Parser

	All        bool `long:"all"`
	Positional struct {
		Subs []string `positional-arg-name:"<command>"`
	} `positional-args:"yes"`
}

func init() {
	AddCommand(&CmdInfo{
		Name:        "help",
		Summary:     cmdHelpSummary,
		Description: cmdHelpDescription,
		Builder:     func() flags.Commander { return &cmdHelp{} },
		OptionsHelp: map[string]string{
			"all": "Show a short summary of all commands",
		},
		ArgumentsHelp: map[string]ArgumentHelp{
			"<command>": {"<command>", "The command to show help for"},
		},
	})
}

// addHelp adds --help like what go-flags would do for us, but hidden
func addHelp(parser *flags.Parser) error {
	var help struct {
		ShowHelp func() error `short:"h" long:"help"`
	}
	help.ShowHelp = func() error {
		// parser.Command.Active is the command help is requested
		// for, or nil at the top level.
		if parser.Command.Active == nil {
			// toplevel --help gets handled via ErrCommandRequired
			return &flags.Error{Type: flags.ErrCommandRequired}
		}
		return &flags.Error{Type: flags.ErrHelp}
	}
	hlpgrp, err := parser.AddGroup("Help Options", "", &help)
	if err != nil {
		return err
	}
	hlpgrp.Hidden = true
	hlp := parser.FindOptionByLongName("help")
	hlp.Description = "Show this help message"
	hlp.Hidden = true

	return nil
}

func (cmd *cmdHelp) setParser(parser *flags.Parser) {
	cmd.parser = parser
}

func (cmd cmdHelp) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}
	if cmd.All {
		if len(cmd.Positional.Subs) > 0 {
			return fmt.Errorf("help accepts a command, or '--all', but not both.")
		}
		printLongHelp(cmd.parser)
		return nil
	}

	var subcmd = cmd.parser.Command
	for _, subname := range cmd.Positional.Subs {
		subcmd = subcmd.Find(subname)
		if subcmd == nil {
			return fmt.Errorf("unknown command %q, see 'dreamboot help'.", subname)
		}
		// this makes "dreamboot help foo" work the same as "dreamboot foo --help"
		cmd.parser.Command.Active = subcmd
	}
	if subcmd != cmd.parser.Command {
		return &flags.Error{Type: flags.ErrHelp}
	}
	return &flags.Error{Type: flags.ErrCommandRequired}
}

type HelpCategory struct {
	Label       string
	Description string
	Commands    []string
}

// HelpCategories helps us by grouping commands
var HelpCategories = []HelpCategory{{
	Label:       "Images",
	Description: "inspect and choose the image to boot",
	Commands:    []string{"images", "current", "select"},
}, {
	Label:       "Slots",
	Description: "inspect and clear the installed systems",
	Commands:    []string{"slots", "delete-slot"},
}, {
	Label:       "SD card",
	Description: "prepare an SD card for four more slots",
	Commands:    []string{"partition-sd"},
}, {
	Label:       "Daemon",
	Description: "serve the API",
	Commands:    []string{"run"},
}, {
	Label:       "Info",
	Description: "help and version information",
	Commands:    []string{"help", "version"},
}}

const longDescription = `
dreamboot lists the boot images of a multiboot receiver, selects the one to
boot next, clears installed systems from their slots and partitions SD cards
for additional slots.
`

var (
	helpHeader = strings.TrimSpace(longDescription)
	helpUsage  = "Usage: dreamboot <command> [<options>...]"
	helpIntro  = "Commands can be classified as follows:"

	helpAllFooter = strings.TrimSpace(`
Set DREAMBOOT_CONFIG to override the settings file (defaults to
/etc/dreamboot/dreamboot.yaml). Set DREAMBOOT_SOCKET to override the unix
socket used by "dreamboot run".

For more information about a command, run 'dreamboot help <command>'.
`)
	helpFooter = "For a short summary of all commands, run 'dreamboot help --all'."
)

func printHelpHeader() {
	fmt.Fprintln(Stdout, helpHeader)
	fmt.Fprintln(Stdout)
	fmt.Fprintln(Stdout, helpUsage)
	fmt.Fprintln(Stdout)
	fmt.Fprintln(Stdout, helpIntro)
}

// this is called when the Execute returns a flags.Error with ErrCommandRequired
func printShortHelp() {
	printHelpHeader()
	fmt.Fprintln(Stdout)
	maxLen := 0
	for _, categ := range HelpCategories {
		if l := utf8.RuneCountInString(categ.Label); l > maxLen {
			maxLen = l
		}
	}
	for _, categ := range HelpCategories {
		fmt.Fprintf(Stdout, "%*s: %s\n", maxLen+2, categ.Label, strings.Join(categ.Commands, ", "))
	}
	fmt.Fprintln(Stdout)
	fmt.Fprintln(Stdout, helpAllFooter)
	fmt.Fprintln(Stdout, helpFooter)
}

// this is "dreamboot help --all"
func printLongHelp(parser *flags.Parser) {
	printHelpHeader()
	maxLen := 0
	for _, categ := range HelpCategories {
		for _, command := range categ.Commands {
			if l := len(command); l > maxLen {
				maxLen = l
			}
		}
	}

	commands := parser.Commands()
	cmdLookup := make(map[string]*flags.Command, len(commands))
	for _, cmd := range commands {
		cmdLookup[cmd.Name] = cmd
	}

	for _, categ := range HelpCategories {
		fmt.Fprintln(Stdout)
		fmt.Fprintf(Stdout, "  %s (%s):\n", categ.Label, categ.Description)
		for _, name := range categ.Commands {
			cmd := cmdLookup[name]
			if cmd == nil {
				fmt.Fprintf(Stderr, "??? Cannot find command %q mentioned in help categories, please report!\n", name)
			} else {
				fmt.Fprintf(Stdout, "    %*s  %s\n", -maxLen, name, cmd.ShortDescription)
			}
		}
	}
	fmt.Fprintln(Stdout)
	fmt.Fprintln(Stdout, helpAllFooter)
}

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

// Package cli implements the dreamboot command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/canonical/go-flags"
	"golang.org/x/term"

	"github.com/canonical/dreamboot/internals/bootmgr"
	"github.com/canonical/dreamboot/internals/config"
	"github.com/canonical/dreamboot/internals/logger"
	"github.com/canonical/dreamboot/internals/toolrunner"
)

var (
	// Standard streams, redirected for testing.
	Stdin  io.Reader = os.Stdin
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
	// set to logger.Panicf in testing
	noticef = logger.Noticef
)

type options struct {
	Version func() `long:"version"`
}

// ArgumentHelp contains help information about the positional arguments accepted
// by a command.
type ArgumentHelp struct {
	// Placeholder supplies a string representation of the argument.
	Placeholder string
	// Help provides information on how to use the argument.
	Help string
}

var optionsData options

// ErrExtraArgs is returned  if extra arguments to a command are found
var ErrExtraArgs = fmt.Errorf("too many arguments for command")

// CmdInfo holds information needed by the CLI to execute commands and
// populate entries in the help manual.
type CmdInfo struct {
	// Name of the command
	Name string

	// Summary is a single-line help string that will be displayed
	// in the full help manual (i.e. help --all)
	Summary string

	// Description contains exhaustive documentation about the command,
	// that will be reflected in the specific help manual for the
	// command.
	Description string

	// Builder is a function that creates a new instance of the command
	// struct containing an Execute(args []string) implementation.
	Builder func() flags.Commander

	// OptionsHelp (optional) maps long option names (e.g. "foo" for --foo),
	// to the help strings that will be shown in the command's manual
	// besides every option.
	OptionsHelp map[string]string

	// ArgumentsHelp (optional) contains help information about the
	// positional arguments accepted by the command.
	ArgumentsHelp map[string]ArgumentHelp
}

// commands holds information about all commands.
var commands []*CmdInfo

// AddCommand replaces parser.addCommand() in a way that is compatible with
// re-constructing a pristine parser.
func AddCommand(info *CmdInfo) {
	commands = append(commands, info)
}

type parserSetter interface {
	setParser(*flags.Parser)
}

func lintDesc(cmdName, optName, desc, origDesc string) {
	if len(optName) == 0 {
		logger.Panicf("option on %q has no name", cmdName)
	}
	if len(origDesc) != 0 {
		logger.Panicf("description of %s's %q of %q set from tag", cmdName, optName, origDesc)
	}
	if len(desc) > 0 {
		// decode the first rune instead of converting all of desc into []rune
		r, _ := utf8.DecodeRuneInString(desc)
		// note IsLower != !IsUpper for runes with no upper/lower.
		if unicode.IsLower(r) && !strings.HasPrefix(desc, cmdName) {
			noticef("description of %s's %q is lowercase: %q", cmdName, optName, desc)
		}
	}
}

func lintArg(cmdName, optName, desc, origDesc string) {
	lintDesc(cmdName, optName, desc, origDesc)
	if len(optName) > 0 && optName[0] == '<' && optName[len(optName)-1] == '>' {
		return
	}
	noticef("argument %q's %q should begin with < and end with >", cmdName, optName)
}

type sessionSetter interface {
	setSession(*session)
}

type sessionMixin struct {
	session *session
}

func (m *sessionMixin) setSession(s *session) {
	m.session = s
}

// newRunner returns the runner of the external tools.
var newRunner = func() toolrunner.Runner {
	return toolrunner.New()
}

// session lazily loads the settings and the boot manager, so that commands
// like help work without either.
type session struct {
	settings *config.Settings
	manager  *bootmgr.Manager
}

func (s *session) Settings() (*config.Settings, error) {
	if s.settings != nil {
		return s.settings, nil
	}
	settings, err := config.Load(config.Path())
	if err != nil {
		return nil, err
	}
	s.settings = settings
	return settings, nil
}

func (s *session) Manager() (*bootmgr.Manager, error) {
	if s.manager != nil {
		return s.manager, nil
	}
	settings, err := s.Settings()
	if err != nil {
		return nil, err
	}
	s.manager = bootmgr.New(settings, newRunner())
	return s.manager, nil
}

// Parser creates and populates a fresh parser.
// Since commands have local state a fresh parser is required to isolate tests
// from each other.
func Parser(s *session) *flags.Parser {
	optionsData.Version = func() {
		printVersion()
		panic(&exitStatus{0})
	}
	flagopts := flags.Options(flags.PassDoubleDash)
	parser := flags.NewParser(&optionsData, flagopts)
	parser.ShortDescription = "Tool to manage the boot images of a multiboot receiver"
	parser.LongDescription = longDescription
	// hide the unhelpful "[OPTIONS]" from help output
	parser.Usage = ""
	if version := parser.FindOptionByLongName("version"); version != nil {
		version.Description = "Print the version and exit"
		version.Hidden = true
	}
	// add --help like what go-flags would do for us, but hidden
	addHelp(parser)

	for _, c := range commands {
		obj := c.Builder()
		if x, ok := obj.(sessionSetter); ok {
			x.setSession(s)
		}
		if x, ok := obj.(parserSetter); ok {
			x.setParser(parser)
		}

		cmd, err := parser.AddCommand(c.Name, c.Summary, strings.TrimSpace(c.Description), obj)
		if err != nil {
			logger.Panicf("cannot add command %q: %v", c.Name, err)
		}

		opts := cmd.Options()
		if c.OptionsHelp != nil && len(opts) != len(c.OptionsHelp) {
			logger.Panicf("wrong number of option descriptions for %s: expected %d, got %d", c.Name, len(opts), len(c.OptionsHelp))
		}
		for _, opt := range opts {
			name := opt.LongName
			if name == "" {
				name = string(opt.ShortName)
			}
			desc, ok := c.OptionsHelp[name]
			if !(c.OptionsHelp == nil || ok) {
				logger.Panicf("%s missing description for %s", c.Name, name)
			}
			lintDesc(c.Name, name, desc, opt.Description)
			if desc != "" {
				opt.Description = desc
			}
		}

		args := cmd.Args()
		if c.ArgumentsHelp != nil && len(args) != len(c.ArgumentsHelp) {
			logger.Panicf("wrong number of argument descriptions for %s: expected %d, got %d", c.Name, len(args), len(c.ArgumentsHelp))
		}
		for _, arg := range args {
			name, desc := arg.Name, ""
			if c.ArgumentsHelp != nil {
				name = c.ArgumentsHelp[arg.Name].Placeholder
				desc = c.ArgumentsHelp[arg.Name].Help
			}
			lintArg(c.Name, name, desc, arg.Description)
			arg.Name = name
			arg.Description = desc
		}
	}
	return parser
}

var (
	isStdinTTY = term.IsTerminal(0)
	osExit     = os.Exit
)

// exitStatus can be used in panic(&exitStatus{code}) to cause the main
// function to exit with a given exit code, for the rare cases when you want
// to return an exit code other than 0 or 1, or when an error return is not
// possible.
type exitStatus struct {
	code int
}

func (e *exitStatus) Error() string {
	return fmt.Sprintf("internal error: exitStatus{%d} being handled as normal error", e.code)
}

// Run parses os.Args and executes the selected command.
func Run() error {
	defer func() {
		if v := recover(); v != nil {
			if e, ok := v.(*exitStatus); ok {
				osExit(e.code)
			}
			panic(v)
		}
	}()

	logger.SetLogger(logger.New(os.Stderr, "[dreamboot] "))

	parser := Parser(&session{})
	xtra, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) {
			switch e.Type {
			case flags.ErrCommandRequired:
				printShortHelp()
				return nil
			case flags.ErrHelp:
				parser.WriteHelp(Stdout)
				return nil
			case flags.ErrUnknownCommand:
				sub := os.Args[1]
				sug := "dreamboot help"
				if len(xtra) > 0 {
					sub = xtra[0]
					if x := parser.Command.Active; x != nil && x.Name != "help" {
						sug = "dreamboot help " + x.Name
					}
				}
				return fmt.Errorf("unknown command %q, see '%s'.", sub, sug)
			}
		}
		return err
	}
	return nil
}

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
	"os"
	"os/signal"
	"syscall"

	"github.com/canonical/go-flags"

	"github.com/canonical/dreamboot/cmd"
	"github.com/canonical/dreamboot/internals/daemon"
	"github.com/canonical/dreamboot/internals/logger"
)

const cmdRunSummary = "Serve the boot manager API"
const cmdRunDescription = `
The run command serves the boot manager API on the unix socket named in the
settings, until it is interrupted. Mutating requests run one at a time, in
the order they arrive.
`

type cmdRun struct {
	sessionMixin

	Verbose bool `short:"v" long:"verbose"`
}

func init() {
	AddCommand(&CmdInfo{
		Name:        "run",
		Summary:     cmdRunSummary,
		Description: cmdRunDescription,
		Builder:     func() flags.Commander { return &cmdRun{} },
		OptionsHelp: map[string]string{
			"verbose": "Log all output from the daemon to stdout",
		},
	})
}

func (rcmd *cmdRun) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigs)

	if err := rcmd.run(sigs, nil); err != nil {
		return fmt.Errorf("cannot run daemon: %w", err)
	}
	return nil
}

// run serves the API until a signal arrives on ch or the daemon dies. The
// daemon's socket path is sent on ready, if not nil, once it is serving.
func (rcmd *cmdRun) run(ch <-chan os.Signal, ready chan<- string) error {
	if rcmd.Verbose {
		logger.SetLogger(logger.New(os.Stdout, "[dreamboot] "))
	}

	settings, err := rcmd.session.Settings()
	if err != nil {
		return err
	}
	m, err := rcmd.session.Manager()
	if err != nil {
		return err
	}

	logger.Noticef("Starting dreamboot (version %s).", cmd.Version)
	if cmd.Containerised() {
		logger.Noticef("Running in a container, slot and SD card devices may be missing.")
	}
	logger.Debugf("Using boot configuration %q.", m.ConfigPath())

	d, err := daemon.New(&daemon.Options{
		SocketPath: settings.Socket,
		Manager:    m,
		Version:    cmd.Version,
	})
	if err != nil {
		return err
	}
	if err := d.Init(); err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}
	if ready != nil {
		ready <- settings.Socket
	}

	select {
	case sig := <-ch:
		logger.Noticef("Exiting on %s signal.", sig)
	case <-d.Dying():
		// something called Stop()
		logger.Noticef("Server exiting!")
	}
	return d.Stop()
}

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
	"bufio"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/canonical/dreamboot/internals/bootmgr"
)

func tabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(Stdout, 5, 3, 2, ' ', 0)
}

// confirm asks the user on the terminal whether to go ahead with what
// question describes.
func confirm(question string) (bool, error) {
	if !isStdinTTY {
		return false, fmt.Errorf("cannot ask for confirmation without a terminal, use --yes")
	}
	fmt.Fprintf(Stdout, "%s [y/N] ", question)
	line, err := bufio.NewReader(Stdin).ReadString('\n')
	if err != nil && line == "" {
		return false, fmt.Errorf("cannot read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// report prints a successful outcome and turns a failed one into the
// command error.
func report(out bootmgr.Outcome) error {
	if !out.Success() {
		return fmt.Errorf("%s", out)
	}
	fmt.Fprintln(Stdout, out)
	return nil
}

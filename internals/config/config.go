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

// Package config holds the settings of the boot manager: where the boot
// configuration and startup files live, the slot table, the SD card
// device and the timeouts applied to external tools.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/canonical/dreamboot/internals/logger"
)

const (
	// DefaultPath is where the settings file is looked up when
	// $DREAMBOOT_CONFIG is not set.
	DefaultPath = "/etc/dreamboot/dreamboot.yaml"

	// DefaultSocket is the path of the API socket.
	DefaultSocket = "/run/dreamboot.socket"

	// SlotCount is the number of multiboot slots of the device.
	SlotCount = 8
)

// Slot describes one fixed boot slot.
type Slot struct {
	Name        string `yaml:"name"`
	Device      string `yaml:"device"`
	MountPoint  string `yaml:"mount-point"`
	StartupFile string `yaml:"startup-file"`
	Kernel      string `yaml:"kernel"`
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a YAML string")
	}
	duration, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(duration)
	return nil
}

// Timeouts bounds each class of external tool.
type Timeouts struct {
	Mount     Duration `yaml:"mount"`
	Probe     Duration `yaml:"probe"`
	Partition Duration `yaml:"partition"`
	Format    Duration `yaml:"format"`
}

type Settings struct {
	// ConfigPaths are the candidate locations of the boot configuration,
	// in order of preference.
	ConfigPaths []string `yaml:"config-paths"`
	// MarkerPaths are the startup marker files, in read order.
	MarkerPaths []string `yaml:"marker-paths"`
	// StartupDir holds the per-slot STARTUP_n files.
	StartupDir string `yaml:"startup-dir"`

	SDDevice           string   `yaml:"sd-device"`
	SlotSizeMB         int      `yaml:"slot-size-mb"`
	FallbackCapacityMB int      `yaml:"fallback-capacity-mb"`
	Slots              []Slot   `yaml:"slots"`
	Timeouts           Timeouts `yaml:"timeouts"`
	Socket             string   `yaml:"socket"`
}

// FormatError is the error returned when the settings file has a format
// issue, such as an unknown key or a missing slot field.
type FormatError struct {
	Message string
}

func (e *FormatError) Error() string {
	return e.Message
}

// Defaults returns the settings of a stock receiver.
func Defaults() *Settings {
	s := &Settings{
		ConfigPaths:        []string{"/data/bootconfig.txt", "/boot/bootconfig.txt"},
		MarkerPaths:        []string{"/boot/STARTUP", "/data/STARTUP", "/tmp/STARTUP"},
		StartupDir:         "/data",
		SDDevice:           "/dev/mmcblk1",
		SlotSizeMB:         1740,
		FallbackCapacityMB: 8192,
		Timeouts: Timeouts{
			Mount:     Duration(30 * time.Second),
			Probe:     Duration(10 * time.Second),
			Partition: Duration(2 * time.Minute),
			Format:    Duration(15 * time.Minute),
		},
		Socket: DefaultSocket,
	}
	for i := 1; i <= 4; i++ {
		part := fmt.Sprintf("mmcblk0p%d", i+4)
		s.Slots = append(s.Slots, Slot{
			Name:        fmt.Sprintf("Slot %d (Multiboot %d)", i, i),
			Device:      "/dev/" + part,
			MountPoint:  "/media/" + part,
			StartupFile: fmt.Sprintf("STARTUP_%d", i),
			Kernel:      "/boot/kernel.img",
		})
	}
	for i := 5; i <= 8; i++ {
		part := fmt.Sprintf("mmcblk1p%d", i-3)
		s.Slots = append(s.Slots, Slot{
			Name:        fmt.Sprintf("SDcard Slot %d", i),
			Device:      "/dev/" + part,
			MountPoint:  "/media/" + part,
			StartupFile: fmt.Sprintf("STARTUP_%d", i),
			Kernel:      fmt.Sprintf("/kernel%d.img", i-3),
		})
	}
	return s
}

// Path returns the settings file location, honouring $DREAMBOOT_CONFIG.
func Path() string {
	if p := os.Getenv("DREAMBOOT_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the settings file at path over the defaults. A missing file
// is not an error.
func Load(path string) (*Settings, error) {
	s := Defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Debugf("No settings file at %q, using defaults.", path)
	} else if err != nil {
		return nil, fmt.Errorf("cannot read settings: %w", err)
	} else if err := s.parse(path, data); err != nil {
		return nil, err
	}
	if socket := os.Getenv("DREAMBOOT_SOCKET"); socket != "" {
		s.Socket = socket
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Parse decodes YAML settings over the defaults and validates them.
func Parse(data []byte) (*Settings, error) {
	s := Defaults()
	if err := s.parse("settings", data); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) parse(label string, data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return &FormatError{
			Message: fmt.Sprintf("cannot parse %s: %v", label, err),
		}
	}
	return nil
}

// Validate checks that the settings describe a usable device.
func (s *Settings) Validate() error {
	if len(s.ConfigPaths) == 0 {
		return &FormatError{"config-paths must not be empty"}
	}
	if len(s.MarkerPaths) == 0 {
		return &FormatError{"marker-paths must not be empty"}
	}
	if s.StartupDir == "" {
		return &FormatError{"startup-dir must be set"}
	}
	if s.SDDevice == "" {
		return &FormatError{"sd-device must be set"}
	}
	if s.SlotSizeMB <= 0 {
		return &FormatError{fmt.Sprintf("slot-size-mb must be positive, not %d", s.SlotSizeMB)}
	}
	if s.FallbackCapacityMB <= 0 {
		return &FormatError{fmt.Sprintf("fallback-capacity-mb must be positive, not %d", s.FallbackCapacityMB)}
	}
	if len(s.Slots) != SlotCount {
		return &FormatError{fmt.Sprintf("expected %d slots, got %d", SlotCount, len(s.Slots))}
	}
	seen := make(map[string]bool, len(s.Slots))
	for i, slot := range s.Slots {
		switch {
		case slot.Name == "":
			return &FormatError{fmt.Sprintf("slot %d has no name", i+1)}
		case slot.Device == "":
			return &FormatError{fmt.Sprintf("slot %q has no device", slot.Name)}
		case slot.MountPoint == "":
			return &FormatError{fmt.Sprintf("slot %q has no mount-point", slot.Name)}
		case slot.StartupFile == "":
			return &FormatError{fmt.Sprintf("slot %q has no startup-file", slot.Name)}
		case slot.Kernel == "":
			return &FormatError{fmt.Sprintf("slot %q has no kernel", slot.Name)}
		}
		if seen[slot.Name] {
			return &FormatError{fmt.Sprintf("duplicate slot %q", slot.Name)}
		}
		seen[slot.Name] = true
	}
	for name, d := range map[string]Duration{
		"mount":     s.Timeouts.Mount,
		"probe":     s.Timeouts.Probe,
		"partition": s.Timeouts.Partition,
		"format":    s.Timeouts.Format,
	} {
		if d <= 0 {
			return &FormatError{fmt.Sprintf("timeouts.%s must be positive", name)}
		}
	}
	return nil
}

// SDPartition returns the device node of partition n of the SD card.
func (s *Settings) SDPartition(n int) string {
	return fmt.Sprintf("%sp%d", s.SDDevice, n)
}

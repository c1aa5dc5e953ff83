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

// Package bootmgr is the multiboot manager: it lists boot images and
// slots, selects the image to boot next, deletes slot images and
// re-partitions the SD card. Operations are serialized.
package bootmgr

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canonical/dreamboot/internals/bootconfig"
	"github.com/canonical/dreamboot/internals/config"
	"github.com/canonical/dreamboot/internals/logger"
	"github.com/canonical/dreamboot/internals/metrics"
	"github.com/canonical/dreamboot/internals/osutil"
	"github.com/canonical/dreamboot/internals/partition"
	"github.com/canonical/dreamboot/internals/slots"
	"github.com/canonical/dreamboot/internals/toolrunner"
)

// UnknownImage is reported when the current boot image cannot be told.
const UnknownImage = "Unknown"

// sdSlotCount is the number of slot partitions created on the SD card.
const sdSlotCount = 4

// Operation names, as used in outcomes, events and metrics.
const (
	OpSelectImage     = "select-image"
	OpDeleteSlotImage = "delete-slot-image"
	OpPartitionSD     = "partition-sd"
)

// SlotInfo is a slot together with what was found in it.
type SlotInfo struct {
	slots.Slot
	slots.Occupancy
	Present bool `json:"present"`
}

// EventType tells what an Event reports.
type EventType string

const (
	EventStarted  EventType = "started"
	EventStep     EventType = "step"
	EventFinished EventType = "finished"
)

// Event reports the progress of an operation to observers.
type Event struct {
	Time      time.Time            `json:"time"`
	ID        string               `json:"id"`
	Operation string               `json:"operation"`
	Type      EventType            `json:"type"`
	Step      *partition.StepEvent `json:"step,omitempty"`
	Outcome   *Outcome             `json:"outcome,omitempty"`
}

type opIDKey struct{}

// WithOperationID returns a context whose operation carries the given id
// instead of a generated one.
func WithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, opIDKey{}, id)
}

func operationID(ctx context.Context) string {
	if id, ok := ctx.Value(opIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

var nodeExists = osutil.CanStat

// Manager runs boot manager operations one at a time.
type Manager struct {
	mu sync.Mutex

	settings  *config.Settings
	store     *bootconfig.Store
	inspector *slots.Inspector
	planner   *partition.Planner
	startup   []bootconfig.SlotStartup

	observersMu sync.Mutex
	observers   []func(Event)
}

// New returns a manager for the given settings. The per-slot startup files
// and the boot configuration are repaired right away; failures to do so
// are logged and retried by later operations.
func New(settings *config.Settings, runner toolrunner.Runner) *Manager {
	m := &Manager{
		settings: settings,
		store: bootconfig.New(bootconfig.Options{
			ConfigPaths: settings.ConfigPaths,
			MarkerPaths: settings.MarkerPaths,
			StartupDir:  settings.StartupDir,
		}),
		inspector: slots.NewInspector(runner, slots.Options{
			MountTimeout:  time.Duration(settings.Timeouts.Mount),
			FormatTimeout: time.Duration(settings.Timeouts.Format),
		}),
	}
	for _, s := range settings.Slots {
		m.startup = append(m.startup, bootconfig.SlotStartup{
			File:   s.StartupFile,
			Device: s.Device,
			Kernel: s.Kernel,
		})
	}
	m.planner = partition.NewPlanner(runner, partition.Options{
		SlotCount:          sdSlotCount,
		SlotSizeMB:         settings.SlotSizeMB,
		FallbackCapacityMB: settings.FallbackCapacityMB,
		ProbeTimeout:       time.Duration(settings.Timeouts.Probe),
		MountTimeout:       time.Duration(settings.Timeouts.Mount),
		PartitionTimeout:   time.Duration(settings.Timeouts.Partition),
		FormatTimeout:      time.Duration(settings.Timeouts.Format),
		Store:              m.store,
		StartupEntries:     m.startup,
	})

	if err := m.store.WriteSlotStartupFiles(m.startup); err != nil {
		logger.Noticef("Cannot create slot startup files: %v", err)
	}
	if err := m.store.Ensure(); err != nil {
		logger.Noticef("Cannot ensure boot configuration: %v", err)
	}
	return m
}

// Observe registers f to be called for every operation event. Calls are
// made from the goroutine running the operation.
func (m *Manager) Observe(f func(Event)) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers = append(m.observers, f)
}

func (m *Manager) emit(ev Event) {
	ev.Time = time.Now()
	m.observersMu.Lock()
	observers := slices.Clone(m.observers)
	m.observersMu.Unlock()
	for _, f := range observers {
		f(ev)
	}
}

// run executes an operation under the manager lock, turning a panic into
// a failed outcome.
func (m *Manager) run(ctx context.Context, op string, f func(ctx context.Context) Outcome) (out Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := operationID(ctx)
	metrics.OperationInFlight.Set(1)
	logger.Debugf("Operation %s %s started.", op, id)
	m.emit(Event{ID: id, Operation: op, Type: EventStarted})

	defer func() {
		if r := recover(); r != nil {
			logger.Noticef("Operation %s %s crashed: %v", op, id, r)
			out = failed(KindUnknown, "Internal error: %v", r)
		}
		out.ID = id
		out.Operation = op
		metrics.OperationInFlight.Set(0)
		metrics.Operations.WithLabelValues(op, string(out.Status)).Inc()
		logger.Noticef("Operation %s %s %s: %s", op, id, out.Status, out)
		final := out
		m.emit(Event{ID: id, Operation: op, Type: EventFinished, Outcome: &final})
	}()

	return f(WithOperationID(ctx, id))
}

// Settings returns the settings the manager was created with.
func (m *Manager) Settings() *config.Settings {
	return m.settings
}

// ConfigPath returns the boot configuration file in use.
func (m *Manager) ConfigPath() string {
	return m.store.Path()
}

// ListImages returns the boot images of the configuration, repairing the
// configuration first if needed.
func (m *Manager) ListImages() []bootconfig.Image {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.images()
}

func (m *Manager) images() []bootconfig.Image {
	if err := m.store.Ensure(); err != nil {
		logger.Noticef("Cannot ensure boot configuration: %v", err)
	}
	return m.store.Images()
}

// FindImage returns the image named name in the current configuration.
func (m *Manager) FindImage(name string) (bootconfig.Image, bool) {
	for _, img := range m.ListImages() {
		if img.Name == name {
			return img, true
		}
	}
	return bootconfig.Image{}, false
}

// FindSlot returns the configured slot named name.
func (m *Manager) FindSlot(name string) (slots.Slot, bool) {
	for _, s := range m.settings.Slots {
		if s.Name == name {
			return slots.Slot(s), true
		}
	}
	return slots.Slot{}, false
}

// ListSlots inspects every configured slot whose device is present.
func (m *Manager) ListSlots(ctx context.Context) []SlotInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var infos []SlotInfo
	for _, s := range m.settings.Slots {
		slot := slots.Slot(s)
		if !nodeExists(slot.Device) {
			logger.Debugf("Slot %q device %q not present.", slot.Name, slot.Device)
			continue
		}
		infos = append(infos, SlotInfo{
			Slot:      slot,
			Occupancy: m.inspect(ctx, slot),
			Present:   true,
		})
	}
	return infos
}

func (m *Manager) inspect(ctx context.Context, slot slots.Slot) (occ slots.Occupancy) {
	defer func() {
		if r := recover(); r != nil {
			logger.Noticef("Cannot inspect %s: %v", slot.Name, r)
			occ = slots.Occupancy{ImageName: slots.NameEmpty}
		}
	}()
	return m.inspector.Inspect(ctx, slot)
}

// CurrentBootImage returns the name of the image that boots next, as told
// by the first readable startup marker, or by default= when the marker
// matches no image.
func (m *Manager) CurrentBootImage() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	images := m.images()
	if content, path, ok := m.store.ReadStartupMarker(); ok {
		if img, ok := bootconfig.MatchMarker(content, images); ok {
			return img.Name
		}
		logger.Debugf("Startup marker %q matches no boot image.", path)
	}
	if i, ok := m.store.DefaultIndex(); ok && i >= 0 && i < len(images) {
		return images[i].Name
	}
	return UnknownImage
}

// SelectImage makes img the image to boot next, through both the default=
// entry of the configuration and the startup markers. It succeeds when
// either could be updated; anything not updated is reported as a caveat.
func (m *Manager) SelectImage(ctx context.Context, img bootconfig.Image) Outcome {
	return m.run(ctx, OpSelectImage, func(ctx context.Context) Outcome {
		images := m.images()
		if img.Index < 0 || img.Index >= len(images) || images[img.Index].Name != img.Name {
			return failed(KindNotFound, "Boot image %q not found in the boot configuration", img.Name)
		}
		current := images[img.Index]

		var caveats []string
		configErr := m.store.SetDefault(current.Index)
		if configErr != nil {
			logger.Noticef("Cannot update boot configuration: %v", configErr)
			caveats = append(caveats, fmt.Sprintf("boot configuration not updated: %v", configErr))
		}
		markerErr := m.store.WriteStartupMarkers(current)
		if markerErr != nil {
			logger.Noticef("Cannot update startup markers: %v", markerErr)
			caveats = append(caveats, fmt.Sprintf("startup markers not updated: %v", markerErr))
		}
		var merr *bootconfig.MarkerError
		markersWritten := markerErr == nil || (errors.As(markerErr, &merr) && merr.Partial())
		if configErr != nil && !markersWritten {
			return failed(KindIOFailure, "Cannot select boot image %q: %s", current.Name, caveats[0]+"; "+caveats[1])
		}
		return done("Boot image set to %q.", current.Name).withCaveats(caveats)
	})
}

// DeleteSlotImage removes the installed image from slot and reformats
// its partition. The partition itself is kept.
func (m *Manager) DeleteSlotImage(ctx context.Context, slot slots.Slot) Outcome {
	return m.run(ctx, OpDeleteSlotImage, func(ctx context.Context) Outcome {
		if !nodeExists(slot.Device) {
			return failed(KindNotFound, "Partition %s of %s not found", slot.Device, slot.Name)
		}
		logger.Noticef("Deleting image from %s (%s).", slot.Name, slot.Device)

		res := m.inspector.Wipe(ctx, slot, true)
		if res.Err != nil {
			return errorOutcome(fmt.Sprintf("Cannot delete image from %s", slot.Name), res.Err)
		}
		if res.AlreadyEmpty {
			return noOp("%s is already empty.", slot.Name)
		}

		var caveats []string
		if len(res.RemoveErrs) > 0 {
			caveats = append(caveats, fmt.Sprintf("%d entries could not be removed", len(res.RemoveErrs)))
		}
		switch {
		case res.ReformatErr != nil:
			caveats = append(caveats, fmt.Sprintf("files were deleted but the partition could not be reformatted: %v", res.ReformatErr))
		case !res.Released:
			caveats = append(caveats, fmt.Sprintf("%s is still mounted", slot.MountPoint))
		}
		if res.Removed == 0 {
			return failed(KindIOFailure, "Cannot delete image from %s: %s", slot.Name, caveats[0])
		}
		return done("Image deleted from %s, slot is now empty.", slot.Name).withCaveats(caveats)
	})
}

// PartitionSDCard re-partitions and formats the SD card, destroying its
// content.
func (m *Manager) PartitionSDCard(ctx context.Context) Outcome {
	return m.run(ctx, OpPartitionSD, func(ctx context.Context) Outcome {
		id := operationID(ctx)
		device := m.settings.SDDevice
		observe := func(ev partition.StepEvent) {
			m.emit(Event{ID: id, Operation: OpPartitionSD, Type: EventStep, Step: &ev})
		}
		res, err := m.planner.Partition(ctx, device, observe)
		if err != nil {
			if errors.Is(err, partition.ErrDeviceNotFound) {
				return failed(KindNotFound, "SD card not found at %s", device)
			}
			return errorOutcome("Cannot partition SD card", err)
		}
		return done("%s", res.Summary())
	})
}

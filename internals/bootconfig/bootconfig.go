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

// Package bootconfig owns the boot loader configuration file
// (bootconfig.txt), the STARTUP marker files that mirror the selected
// image, and the per-slot STARTUP_n files.
package bootconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/canonical/dreamboot/internals/logger"
	"github.com/canonical/dreamboot/internals/osutil"
)

// Image is one boot entry of the configuration file. Index is its position
// among the parsed entries and is only meaningful for the parse it came
// from.
type Image struct {
	Name    string `json:"name"`
	Command string `json:"cmd"`
	Args    string `json:"arg"`
	Index   int    `json:"index"`
}

// SlotStartup is the content of one per-slot startup file.
type SlotStartup struct {
	// File is the file name inside the startup directory, e.g. STARTUP_1.
	File   string
	Device string
	Kernel string
}

// Content returns the single line written to the startup file.
func (s SlotStartup) Content() string {
	return fmt.Sprintf("root=%s rootfstype=ext4 kernel=%s\n", s.Device, s.Kernel)
}

// ErrInvalidIndex is returned by SetDefault for an index that does not
// name an entry of the current configuration.
var ErrInvalidIndex = errors.New("invalid boot image index")

type Options struct {
	// ConfigPaths are the candidate configuration files, preferred first.
	ConfigPaths []string
	// MarkerPaths are the startup marker files, in read order.
	MarkerPaths []string
	// StartupDir holds the per-slot startup files.
	StartupDir string
}

// Store reads and rewrites the boot configuration and startup files. It is
// not safe for concurrent use; callers serialize access.
type Store struct {
	configPaths []string
	markerPaths []string
	startupDir  string

	mu sync.Mutex
	// markers whose last write failed
	stale map[string]bool
}

func New(opts Options) *Store {
	return &Store{
		configPaths: opts.ConfigPaths,
		markerPaths: opts.MarkerPaths,
		startupDir:  opts.StartupDir,
		stale:       make(map[string]bool),
	}
}

// Path returns the configuration file in use: the first candidate that
// exists, or the last candidate when none does.
func (s *Store) Path() string {
	for _, p := range s.configPaths {
		if osutil.CanStat(p) {
			return p
		}
	}
	return s.configPaths[len(s.configPaths)-1]
}

var (
	entryRegexp   = regexp.MustCompile(`\[([^\]]+)\]\s*\ncmd=([^\n]+)\s*\narg=([^\n]+)`)
	defaultRegexp = regexp.MustCompile(`(?m)^default=(\d+)`)
)

// Parse extracts the boot entries of a configuration. Text that is not a
// complete [name]/cmd=/arg= triplet is skipped.
func Parse(content []byte) []Image {
	var images []Image
	for _, m := range entryRegexp.FindAllSubmatch(content, -1) {
		images = append(images, Image{
			Name:    strings.TrimSpace(string(m[1])),
			Command: strings.TrimSpace(string(m[2])),
			Args:    strings.TrimSpace(string(m[3])),
			Index:   len(images),
		})
	}
	return images
}

// ParseDefault returns the value of the first default= line.
func ParseDefault(content []byte) (int, bool) {
	m := defaultRegexp.FindSubmatch(content)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0, false
	}
	return n, true
}

func missingSections(content []byte) []string {
	var missing []string
	for _, sec := range requiredSections {
		if !strings.Contains(string(content), "["+sec.name+"]") {
			missing = append(missing, sec.name)
		}
	}
	return missing
}

// Ensure makes sure the configuration file exists and carries every
// required section, replacing it with the stock configuration otherwise.
// A valid file is left untouched.
func (s *Store) Ensure() error {
	path := s.Path()
	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Noticef("Boot configuration %q not found, creating it.", path)
	case err != nil:
		logger.Noticef("Cannot read boot configuration %q, recreating it: %v", path, err)
	default:
		missing := missingSections(content)
		if len(missing) == 0 {
			return nil
		}
		logger.Noticef("Boot configuration %q lacks sections %q, recreating it.", path, missing)
	}

	if err := osutil.AtomicWriteFile(path, Template(), 0644); err != nil {
		return fmt.Errorf("cannot write boot configuration: %w", err)
	}
	return nil
}

// Images parses the current configuration file. An unreadable file yields
// no images.
func (s *Store) Images() []Image {
	path := s.Path()
	content, err := os.ReadFile(path)
	if err != nil {
		logger.Noticef("Cannot read boot configuration: %v", err)
		return nil
	}
	images := Parse(content)
	logger.Debugf("Found %d boot images in %q.", len(images), path)
	return images
}

// DefaultIndex returns the default= value of the configuration file.
func (s *Store) DefaultIndex() (int, bool) {
	content, err := os.ReadFile(s.Path())
	if err != nil {
		return 0, false
	}
	return ParseDefault(content)
}

// SetDefault points default= at the entry with the given index. Every
// default= line is replaced, one is prepended when there is none.
func (s *Store) SetDefault(index int) error {
	path := s.Path()
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read boot configuration: %w", err)
	}
	if n := len(Parse(content)); index < 0 || index >= n {
		return fmt.Errorf("%w %d (have %d images)", ErrInvalidIndex, index, n)
	}

	line := []byte("default=" + strconv.Itoa(index))
	var updated []byte
	if defaultRegexp.Match(content) {
		updated = defaultRegexp.ReplaceAllLiteral(content, line)
	} else {
		updated = append(append(line, '\n'), content...)
	}
	if err := osutil.AtomicWriteFile(path, updated, 0644); err != nil {
		return fmt.Errorf("cannot write boot configuration: %w", err)
	}
	logger.Noticef("Boot configuration updated with default=%d.", index)
	return nil
}

// MarkerFailure is a startup marker that could not be written.
type MarkerFailure struct {
	Path string
	Err  error
}

// MarkerError reports the startup markers that could not be written.
type MarkerError struct {
	Failures []MarkerFailure
	// Written is the number of markers that were updated.
	Written int
}

func (e *MarkerError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = fmt.Sprintf("%s: %v", f.Path, f.Err)
	}
	if e.Written == 0 {
		return "cannot write any startup marker: " + strings.Join(msgs, "; ")
	}
	return fmt.Sprintf("cannot write %d of %d startup markers: %s",
		len(e.Failures), len(e.Failures)+e.Written, strings.Join(msgs, "; "))
}

// Partial reports whether some of the markers were written.
func (e *MarkerError) Partial() bool {
	return e.Written > 0
}

// WriteStartupMarkers writes the boot command of img to every marker file.
// Failed markers are removed when possible and are skipped by
// ReadStartupMarker until they are written again, so an outdated marker
// never hides the selection. The error is a *MarkerError.
func (s *Store) WriteStartupMarkers(img Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := []byte(img.Command + " " + img.Args)
	merr := &MarkerError{}
	for _, p := range s.markerPaths {
		if err := osutil.AtomicWriteFile(p, data, 0644); err != nil {
			logger.Noticef("Cannot write startup marker %q: %v", p, err)
			merr.Failures = append(merr.Failures, MarkerFailure{Path: p, Err: err})
			s.stale[p] = true
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Noticef("Cannot remove outdated startup marker %q: %v", p, err)
			}
			continue
		}
		delete(s.stale, p)
		merr.Written++
		logger.Debugf("Startup marker %q updated.", p)
	}
	if len(merr.Failures) > 0 {
		return merr
	}
	return nil
}

// ReadStartupMarker returns the content of the first readable marker file.
func (s *Store) ReadStartupMarker() (content, path string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.markerPaths {
		if s.stale[p] {
			logger.Debugf("Skipping outdated startup marker %q.", p)
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.Debugf("Cannot read startup marker %q: %v", p, err)
			}
			continue
		}
		return string(data), p, true
	}
	return "", "", false
}

// MatchMarker finds the image whose boot command appears in a non-comment
// line of a startup marker.
func MatchMarker(content string, images []Image) (Image, bool) {
	for _, line := range strings.Split(content, "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, img := range images {
			if img.Command != "" && strings.Contains(line, img.Command) {
				return img, true
			}
		}
	}
	return Image{}, false
}

// WriteSlotStartupFiles rewrites the per-slot startup files. Individual
// failures are logged; an error is returned only if none was written.
func (s *Store) WriteSlotStartupFiles(entries []SlotStartup) error {
	written := 0
	var lastErr error
	for _, e := range entries {
		p := filepath.Join(s.startupDir, e.File)
		if err := osutil.AtomicWriteFile(p, []byte(e.Content()), 0755); err != nil {
			logger.Noticef("Cannot write %q: %v", p, err)
			lastErr = err
			continue
		}
		written++
	}
	if written == 0 && len(entries) > 0 {
		return fmt.Errorf("cannot write slot startup files in %q: %w", s.startupDir, lastErr)
	}
	logger.Debugf("Wrote %d slot startup files in %q.", written, s.startupDir)
	return nil
}

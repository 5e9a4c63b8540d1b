// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package chanstore implements the split-channel store: one unit file per
// channel index holding that channel's samples from every recording.
//
// Units are append-only. Each write adds a group chunk carrying the
// recording name, its scale, sampling frequency, the SHA-256 of its samples
// and the (optionally gzip compressed) samples themselves. The set of
// (name, SHA-256) pairs in a unit is its dedup set, so the dedup state can
// never disagree with the stored data.
package chanstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/OpenPSG/edfsplit/edf"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

var (
	ErrNotFound           = errors.New("chanstore: not found")
	ErrInvalidChannel     = errors.New("chanstore: invalid channel index")
	ErrInvalidMagic       = errors.New("chanstore: invalid magic number")
	ErrUnsupportedVersion = errors.New("chanstore: unsupported format version")
	ErrInvalidChunk       = errors.New("chanstore: invalid chunk")
	ErrCorruptedData      = errors.New("chanstore: corrupted data")
)

// Group is the data of one recording within a channel unit.
type Group struct {
	Name      string  // Logical name of the recording
	Unit      float64 // Physical value of one digital step
	Samples   []int16 // Digital samples
	Frequency float64 // Sampling frequency in Hz
}

// Digest is one member of a unit's dedup set.
type Digest struct {
	Name   string
	SHA256 string
}

// Result tells what a Write did.
type Result int

const (
	Written Result = iota + 1
	SkippedDuplicate
)

func (r Result) String() string {
	switch r {
	case Written:
		return "written"
	case SkippedDuplicate:
		return "skipped-duplicate"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Store is a directory of channel units. Access to a unit is serialised by
// a lock file next to it, so several stores may share one directory; writes
// to different channels proceed independently.
type Store struct {
	dir    string
	level  int
	logger *zap.Logger

	mu    sync.Mutex
	units map[int]*unit
}

// Option configures a Store.
type Option func(*Store)

// WithCompressionLevel sets the gzip level (0-9) of new groups. Level 0
// stores samples uncompressed.
func WithCompressionLevel(level int) Option {
	return func(s *Store) {
		s.level = level
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens the store in dir, creating the directory if needed.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:    dir,
		logger: zap.NewNop(),
		units:  map[int]*unit{},
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.level < 0 || s.level > 9 {
		return nil, fmt.Errorf("compression level %d out of range 0-9", s.level)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	return s, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// acquire returns the unit of channel locked against other goroutines and
// other handles, with its index brought up to date. Callers must release it.
func (s *Store) acquire(channel int) (*unit, error) {
	if channel < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}

	s.mu.Lock()
	u, ok := s.units[channel]
	if !ok {
		u = &unit{
			lock:    flock.New(filepath.Join(s.dir, lockFileName(channel))),
			channel: channel,
			path:    filepath.Join(s.dir, unitFileName(channel)),
			logger:  s.logger.With(zap.Int("channel", channel)),
		}
		s.units[channel] = u
	}
	s.mu.Unlock()

	u.mu.Lock()
	if err := u.lock.Lock(); err != nil {
		u.mu.Unlock()
		return nil, fmt.Errorf("failed to lock unit: %w", err)
	}
	if err := u.refresh(); err != nil {
		u.release()
		return nil, err
	}
	return u, nil
}

// Write stores g in the unit of channel. Unless overwrite is set, a group
// whose name and samples were written before is skipped.
func (s *Store) Write(ctx context.Context, channel int, g Group, overwrite bool) (Result, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if g.Name == "" {
		return 0, errors.New("group name is empty")
	}

	u, err := s.acquire(channel)
	if err != nil {
		return 0, err
	}
	defer u.release()

	d := Digest{Name: g.Name, SHA256: edf.SampleChecksum(g.Samples)}
	if _, ok := u.seen[d]; ok && !overwrite {
		u.logger.Debug("Skipping duplicate group", zap.String("name", g.Name), zap.String("sha256", d.SHA256))
		return SkippedDuplicate, nil
	}

	chunk, err := encodeGroup(g, d.SHA256, s.level)
	if err != nil {
		return 0, err
	}
	if err := u.append(d, chunk); err != nil {
		return 0, err
	}

	u.logger.Debug("Group written",
		zap.String("name", g.Name),
		zap.Int("samples", len(g.Samples)),
		zap.Int("bytes", len(chunk)))

	return Written, nil
}

// Read returns the groups of channel. Without names every group is
// returned; otherwise exactly the named ones, failing with ErrNotFound if
// any is missing.
func (s *Store) Read(channel int, names ...string) (map[string]Group, error) {
	u, err := s.acquire(channel)
	if err != nil {
		return nil, err
	}
	defer u.release()

	if len(u.latest) == 0 {
		return nil, fmt.Errorf("%w: channel %d has no data", ErrNotFound, channel)
	}

	if len(names) == 0 {
		names = u.names()
	}

	var missing []string
	for _, name := range names {
		if _, ok := u.latest[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: channel %d has no recording %s", ErrNotFound, channel, strings.Join(missing, ", "))
	}

	f, err := os.Open(u.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open unit: %w", err)
	}
	defer f.Close()

	result := make(map[string]Group, len(names))
	for _, name := range names {
		g, err := readGroupAt(f, u.latest[name], u.end)
		if err != nil {
			return nil, fmt.Errorf("channel %d, recording %s: %w", channel, name, err)
		}
		samples, err := g.samples()
		if err != nil {
			return nil, fmt.Errorf("channel %d, recording %s: %w", channel, name, err)
		}
		result[name] = Group{Name: name, Unit: g.unit, Samples: samples, Frequency: g.frequency}
	}

	return result, nil
}

// Names returns the recording names stored for channel, sorted.
func (s *Store) Names(channel int) ([]string, error) {
	u, err := s.acquire(channel)
	if err != nil {
		return nil, err
	}
	defer u.release()

	return u.names(), nil
}

// Digests returns the dedup set of channel in write order.
func (s *Store) Digests(channel int) ([]Digest, error) {
	u, err := s.acquire(channel)
	if err != nil {
		return nil, err
	}
	defer u.release()

	return append([]Digest(nil), u.digests...), nil
}

var unitFilePattern = regexp.MustCompile(`^Channel(\d{3,})\.unit$`)

// Channels lists the channel indices that have a unit file, ascending.
func (s *Store) Channels() ([]int, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list store directory: %w", err)
	}

	var channels []int
	for _, f := range files {
		m := unitFilePattern.FindStringSubmatch(f.Name())
		if m == nil || f.IsDir() {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			continue
		}
		channels = append(channels, n-1)
	}
	sort.Ints(channels)

	return channels, nil
}

// Unit files are numbered from one.
func unitFileName(channel int) string {
	return fmt.Sprintf("Channel%03d.unit", channel+1)
}

func lockFileName(channel int) string {
	return "." + unitFileName(channel) + ".lock"
}

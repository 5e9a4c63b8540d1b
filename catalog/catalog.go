// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package catalog keeps the durable metadata of one subject: the raw files
// that have been imported and the mapping from channel labels to the indices
// of the split-channel store.
//
// Both are JSON documents rewritten in full on every commit. All access goes
// through a Repository. Every mutation takes a lock file for the subject and
// reloads the documents first, so several repositories, in one process or
// many, may share a subject.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

var (
	ErrNotFound        = errors.New("catalog: not found")
	ErrDuplicateName   = errors.New("catalog: duplicate logical name")
	ErrExcluded        = errors.New("catalog: channel is excluded from indexing")
	ErrInvalidDocument = errors.New("catalog: invalid document")
)

const (
	rawDocument     = "rawdata.json"
	channelDocument = "channels.json"
	lockFile        = ".catalog.lock"
)

// Entry describes one imported raw file.
type Entry struct {
	Path   string `json:"file"`   // Absolute path of the stored raw file
	Name   string `json:"name"`   // Logical name, unique within the catalog
	Ext    string `json:"ext"`    // File extension including the dot
	SHA256 string `json:"sha256"` // Hex SHA-256 of the raw sample payload
}

func (e Entry) validate() error {
	switch {
	case e.Name == "":
		return errors.New("missing name")
	case e.Path == "":
		return fmt.Errorf("%s: missing file", e.Name)
	case !filepath.IsAbs(e.Path):
		return fmt.Errorf("%s: file %q is not absolute", e.Name, e.Path)
	case e.Ext == "":
		return fmt.Errorf("%s: missing ext", e.Name)
	case e.SHA256 == "":
		return fmt.Errorf("%s: missing sha256", e.Name)
	}
	return nil
}

// Repository is the handle of one subject's catalog. It is safe for
// concurrent use; every mutation is serialised and persisted before it
// returns. Accessors answer from the state of the last mutation or Reload.
type Repository struct {
	mu       sync.Mutex
	lock     *flock.Flock
	subject  string
	rawDir   string
	splitDir string
	classify Classifier
	logger   *zap.Logger

	entries  map[string]Entry
	channels map[string]int
	next     int
}

// Option configures a Repository.
type Option func(*Repository)

// WithClassifier sets the rule that decides which channel labels are indexed.
func WithClassifier(c Classifier) Option {
	return func(r *Repository) {
		r.classify = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Repository) {
		r.logger = logger
	}
}

// Open opens the catalog of subject below root, creating the directory
// layout and empty documents when they do not exist yet.
func Open(root, subject string, opts ...Option) (*Repository, error) {
	if subject == "" || subject == "." || subject == ".." || subject != filepath.Base(subject) {
		return nil, fmt.Errorf("invalid subject %q", subject)
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("error resolving data directory: %w", err)
	}

	r := &Repository{
		lock:     flock.New(filepath.Join(root, subject, "EEG", lockFile)),
		subject:  subject,
		rawDir:   filepath.Join(root, subject, "EEG", "Raw"),
		splitDir: filepath.Join(root, subject, "EEG", "iSplit"),
		classify: DefaultClassifier,
		logger:   zap.NewNop(),
		entries:  map[string]Entry{},
		channels: map[string]int{},
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, dir := range []string{r.rawDir, r.splitDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("error creating %s: %w", dir, err)
		}
	}

	// Load and materialise empty documents for a new subject.
	if err := r.Commit(); err != nil {
		return nil, err
	}

	r.logger.Debug("Catalog opened",
		zap.String("subject", subject),
		zap.Int("entries", len(r.entries)),
		zap.Int("channels", len(r.channels)))

	return r, nil
}

func (r *Repository) load() error {
	entries := map[string]Entry{}
	if err := loadDocument(filepath.Join(r.rawDir, rawDocument), &entries); err != nil {
		return err
	}
	for key, e := range entries {
		if err := e.validate(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidDocument, rawDocument, err)
		}
		if key != e.Name {
			return fmt.Errorf("%w: %s: key %q holds entry %q", ErrInvalidDocument, rawDocument, key, e.Name)
		}
	}

	channels := map[string]int{}
	if err := loadDocument(filepath.Join(r.splitDir, channelDocument), &channels); err != nil {
		return err
	}
	seen := make(map[int]string, len(channels))
	next := 0
	for label, idx := range channels {
		if idx < 0 {
			return fmt.Errorf("%w: %s: negative index %d for %q", ErrInvalidDocument, channelDocument, idx, label)
		}
		if other, ok := seen[idx]; ok {
			return fmt.Errorf("%w: %s: index %d shared by %q and %q", ErrInvalidDocument, channelDocument, idx, label, other)
		}
		seen[idx] = label
		if idx >= next {
			next = idx + 1
		}
	}

	// A document holding null decodes to a nil map.
	if entries == nil {
		entries = map[string]Entry{}
	}
	if channels == nil {
		channels = map[string]int{}
	}

	r.entries = entries
	r.channels = channels
	r.next = next
	return nil
}

// acquire takes the subject lock and reloads both documents. The caller
// holds r.mu and must call release.
func (r *Repository) acquire() error {
	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("error locking catalog: %w", err)
	}
	if err := r.load(); err != nil {
		r.release()
		return err
	}
	return nil
}

func (r *Repository) release() {
	if err := r.lock.Unlock(); err != nil {
		r.logger.Warn("Failed to unlock catalog", zap.Error(err))
	}
}

// Reload refreshes the in-memory state from disk.
func (r *Repository) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.acquire(); err != nil {
		return err
	}
	r.release()
	return nil
}

// Subject returns the subject this repository belongs to.
func (r *Repository) Subject() string { return r.subject }

// RawDir returns the managed directory for raw files.
func (r *Repository) RawDir() string { return r.rawDir }

// SplitDir returns the directory of the split-channel store.
func (r *Repository) SplitDir() string { return r.splitDir }

// Entry returns the catalog entry with the given logical name.
func (r *Repository) Entry(name string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: raw file %q", ErrNotFound, name)
	}
	return e, nil
}

// Has reports whether an entry with the given logical name exists.
func (r *Repository) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.entries[name]
	return ok
}

// Entries returns all entries sorted by name.
func (r *Repository) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Register records an imported raw file and commits the catalog. An entry
// that already exists for the same file is only replaced when overwrite is
// set; an existing entry for a different file fails with ErrDuplicateName.
func (r *Repository) Register(e Entry, overwrite bool) error {
	if err := e.validate(); err != nil {
		return fmt.Errorf("invalid entry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.acquire(); err != nil {
		return err
	}
	defer r.release()

	prev, exists := r.entries[e.Name]
	if exists {
		if prev.Path != e.Path {
			return fmt.Errorf("%w: %q is already registered for %s", ErrDuplicateName, e.Name, prev.Path)
		}
		if !overwrite || prev == e {
			return nil
		}
	}

	r.entries[e.Name] = e
	if err := writeDocument(filepath.Join(r.rawDir, rawDocument), r.entries); err != nil {
		if exists {
			r.entries[e.Name] = prev
		} else {
			delete(r.entries, e.Name)
		}
		return err
	}

	r.logger.Debug("Raw file registered",
		zap.String("name", e.Name),
		zap.String("file", e.Path),
		zap.Bool("replaced", exists))

	return nil
}

// Commit reloads both catalog documents and rewrites them.
func (r *Repository) Commit() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.acquire(); err != nil {
		return err
	}
	defer r.release()

	if err := writeDocument(filepath.Join(r.rawDir, rawDocument), r.entries); err != nil {
		return err
	}
	return writeDocument(filepath.Join(r.splitDir, channelDocument), r.channels)
}

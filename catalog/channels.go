// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package catalog

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Class tells whether a channel label is indexed.
type Class int

const (
	Indexable Class = iota
	Excluded
)

func (c Class) String() string {
	switch c {
	case Indexable:
		return "indexable"
	case Excluded:
		return "excluded"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// Classifier maps a channel label to its class. It must be a pure function.
type Classifier func(label string) Class

// Administrative, reference and annotation channels: DC inputs, cardiac and
// muscle leads, event/trigger lines and EDF+ annotations.
var excludedLabel = regexp.MustCompile(`(?i)^(?:dc\d*|ekg|ecg|emg|eog|ref|edf annotations|annotations?|events?|status|trigger|markers?)(?:$|[\s\d_+-])`)

// DefaultClassifier excludes blank labels and the usual administrative channels.
func DefaultClassifier(label string) Class {
	label = strings.TrimSpace(label)
	if label == "" || excludedLabel.MatchString(label) {
		return Excluded
	}
	return Indexable
}

// Classify returns the class of label.
func (r *Repository) Classify(label string) Class {
	return r.classify(label)
}

// Lookup returns the index assigned to label, if any.
func (r *Repository) Lookup(label string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.channels[label]
	return idx, ok
}

// Channels returns a copy of the label to index mapping.
func (r *Repository) Channels() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels := make(map[string]int, len(r.channels))
	for label, idx := range r.channels {
		channels[label] = idx
	}
	return channels
}

// Resolve returns the index of label, assigning the next free index when the
// label is new. A new assignment is persisted before Resolve returns; if that
// fails the assignment is discarded. Assignments made through other
// repositories of the subject are honoured.
func (r *Repository) Resolve(label string) (int, error) {
	if r.classify(label) == Excluded {
		return 0, fmt.Errorf("%w: %q", ErrExcluded, label)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.acquire(); err != nil {
		return 0, err
	}
	defer r.release()

	if idx, ok := r.channels[label]; ok {
		return idx, nil
	}

	idx := r.next
	r.channels[label] = idx
	if err := writeDocument(filepath.Join(r.splitDir, channelDocument), r.channels); err != nil {
		delete(r.channels, label)
		return 0, fmt.Errorf("error persisting index of %q: %w", label, err)
	}
	r.next++

	r.logger.Info("Channel index assigned", zap.String("label", label), zap.Int("index", idx))

	return idx, nil
}

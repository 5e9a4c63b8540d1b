// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package importer

import (
	"fmt"

	"github.com/OpenPSG/edfsplit/chanstore"
)

// Outcome is the decision taken for a file or a channel.
type Outcome int

const (
	Import Outcome = iota
	SkipExisting
	SkipExcluded
	Fail
)

func (o Outcome) String() string {
	switch o {
	case Import:
		return "import"
	case SkipExisting:
		return "skip-existing"
	case SkipExcluded:
		return "skip-excluded"
	case Fail:
		return "fail"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// State is the progress of one file through a run:
//
//	Pending -> Parsing -> Failed | Parsed -> Writing -> Failed | Committed
type State int

const (
	Pending State = iota
	Parsing
	Parsed
	Writing
	Failed
	Committed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Parsing:
		return "parsing"
	case Parsed:
		return "parsed"
	case Writing:
		return "writing"
	case Failed:
		return "failed"
	case Committed:
		return "committed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ChannelReport describes what happened to one channel of a recording.
type ChannelReport struct {
	Position int              // Position of the signal in the recording
	Label    string           // Signal label
	Index    int              // Store index, -1 when not indexed
	Outcome  Outcome          // Import, SkipExisting (dedup), SkipExcluded or Fail
	Result   chanstore.Result // Set when the channel was handed to the store
	Err      error
}

// FileReport describes what happened to one file of the intake directory.
type FileReport struct {
	Path     string // Path in the intake directory
	Name     string // Logical name
	Outcome  Outcome
	State    State
	Err      error
	Channels []ChannelReport
}

// Report is the result of one run.
type Report struct {
	RunID string
	Files []FileReport
}

func (r *Report) count(fn func(f *FileReport) bool) int {
	n := 0
	for i := range r.Files {
		if fn(&r.Files[i]) {
			n++
		}
	}
	return n
}

// Committed returns the number of files that are in the catalog after the run.
func (r *Report) Committed() int {
	return r.count(func(f *FileReport) bool { return f.State == Committed })
}

// Imported returns the number of files imported by this run.
func (r *Report) Imported() int {
	return r.count(func(f *FileReport) bool { return f.Outcome == Import && f.State == Committed })
}

// Failed returns the number of files that failed.
func (r *Report) Failed() int {
	return r.count(func(f *FileReport) bool { return f.State == Failed })
}

// Skipped returns the number of files that were not processed.
func (r *Report) Skipped() int {
	return r.count(func(f *FileReport) bool { return f.Outcome == SkipExisting || f.Outcome == SkipExcluded })
}

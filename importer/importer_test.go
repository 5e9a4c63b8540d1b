// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package importer_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/OpenPSG/edfsplit/catalog"
	"github.com/OpenPSG/edfsplit/chanstore"
	"github.com/OpenPSG/edfsplit/edf"
	"github.com/OpenPSG/edfsplit/importer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// writeRecording writes a recording with one signal per label. Sample
// values are derived from seed so different seeds give different content.
func writeRecording(t *testing.T, path string, labels []string, seed int) {
	t.Helper()

	hdr := edf.Header{
		Version:            edf.Version0,
		PatientID:          "X X X X",
		RecordingID:        "Startdate 12-OCT-2018 X X X",
		StartDate:          "12.10.18",
		StartTime:          "09.00.00",
		DataRecordDuration: 1,
		SignalCount:        len(labels),
	}
	for _, label := range labels {
		hdr.Signals = append(hdr.Signals, edf.Signal{
			Label:             label,
			PhysicalDimension: "uV",
			PhysicalMin:       -500,
			PhysicalMax:       500,
			DigitalMin:        -2048,
			DigitalMax:        2047,
			SamplesPerRecord:  4,
		})
	}

	f, err := os.Create(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	ew, err := edf.Create(f, hdr)
	require.NoError(t, err)

	for r := 0; r < 3; r++ {
		record := make([][]int16, len(labels))
		for c := range record {
			record[c] = make([]int16, 4)
			for i := range record[c] {
				record[c][i] = int16(seed*1000 + c*100 + r*10 + i)
			}
		}
		require.NoError(t, ew.WriteRecord(record))
	}
	require.NoError(t, ew.Close())
}

type fixture struct {
	intake string
	repo   *catalog.Repository
	store  *chanstore.Store
	root   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fx := &fixture{intake: t.TempDir(), root: t.TempDir()}
	fx.open(t)
	return fx
}

// open (re)opens the repository and store, as a new process would.
func (fx *fixture) open(t *testing.T) {
	t.Helper()

	repo, err := catalog.Open(fx.root, "patient01")
	require.NoError(t, err)
	store, err := chanstore.Open(repo.SplitDir(), chanstore.WithCompressionLevel(1))
	require.NoError(t, err)

	fx.repo = repo
	fx.store = store
}

func (fx *fixture) run(t *testing.T, logger *zap.Logger, opts importer.Options) (*importer.Report, error) {
	t.Helper()

	opts.IntakeDir = fx.intake
	return importer.New(fx.repo, fx.store, logger, opts).Run(context.Background())
}

func (fx *fixture) digests(t *testing.T) map[int][]chanstore.Digest {
	t.Helper()

	channels, err := fx.store.Channels()
	require.NoError(t, err)

	result := map[int][]chanstore.Digest{}
	for _, c := range channels {
		d, err := fx.store.Digests(c)
		require.NoError(t, err)
		result[c] = d
	}
	return result
}

func TestRunImportsRecordings(t *testing.T) {
	fx := newFixture(t)
	writeRecording(t, filepath.Join(fx.intake, "181012-1-5.edf"), []string{"C1", "C2", "DC10"}, 1)
	writeRecording(t, filepath.Join(fx.intake, "181012-2-10.edf"), []string{"C1", "C2", "DC10"}, 2)
	require.NoError(t, os.WriteFile(filepath.Join(fx.intake, "notes.txt"), []byte("hello"), 0o644))

	report, err := fx.run(t, nil, importer.Options{Copy: true})
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 2, report.Imported())
	assert.Equal(t, 2, report.Committed())
	assert.Equal(t, 1, report.Skipped())
	assert.Equal(t, 0, report.Failed())

	entries := fx.repo.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "181012-1-5", entries[0].Name)
	assert.Equal(t, filepath.Join(fx.repo.RawDir(), "181012-1-5.edf"), entries[0].Path)
	assert.Equal(t, ".edf", entries[0].Ext)
	assert.FileExists(t, entries[0].Path)

	raw, err := os.ReadFile(entries[0].Path)
	require.NoError(t, err)
	rec, err := edf.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, rec.Checksum(), entries[0].SHA256)

	assert.Equal(t, map[string]int{"C1": 0, "C2": 1}, fx.repo.Channels())

	groups, err := fx.store.Read(1)
	require.NoError(t, err)
	require.Len(t, groups, 2)

	g := groups["181012-2-10"]
	assert.Equal(t, 1000.0/4095.0, g.Unit)
	assert.Equal(t, 4.0, g.Frequency)
	assert.Equal(t, []int16{2100, 2101, 2102, 2103, 2110, 2111, 2112, 2113, 2120, 2121, 2122, 2123}, g.Samples)

	channels, err := fx.store.Channels()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, channels)
}

func TestRunIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	writeRecording(t, filepath.Join(fx.intake, "a.edf"), []string{"C1", "C2"}, 1)
	writeRecording(t, filepath.Join(fx.intake, "b.edf"), []string{"C2", "C3"}, 2)

	_, err := fx.run(t, nil, importer.Options{Copy: true})
	require.NoError(t, err)

	entries := fx.repo.Entries()
	channels := fx.repo.Channels()
	digests := fx.digests(t)

	fx.open(t)
	report, err := fx.run(t, nil, importer.Options{Copy: true})
	require.NoError(t, err)

	assert.Equal(t, 0, report.Imported())
	assert.Equal(t, 2, report.Committed())
	for _, f := range report.Files {
		assert.Equal(t, importer.SkipExisting, f.Outcome)
		assert.Equal(t, importer.Committed, f.State)
	}

	assert.Equal(t, entries, fx.repo.Entries())
	assert.Equal(t, channels, fx.repo.Channels())
	assert.Equal(t, digests, fx.digests(t))
}

func TestRunContainsMalformedFiles(t *testing.T) {
	fx := newFixture(t)
	writeRecording(t, filepath.Join(fx.intake, "a.edf"), []string{"C1"}, 1)
	writeRecording(t, filepath.Join(fx.intake, "b.edf"), []string{"C1"}, 2)
	writeRecording(t, filepath.Join(fx.intake, "c.edf"), []string{"C1"}, 3)

	// Cut c.edf in the middle of its header.
	require.NoError(t, os.Truncate(filepath.Join(fx.intake, "c.edf"), 100))

	core, logs := observer.New(zapcore.WarnLevel)
	report, err := fx.run(t, zap.New(core), importer.Options{})
	require.NoError(t, err)

	assert.Len(t, fx.repo.Entries(), 2)
	assert.False(t, fx.repo.Has("c"))

	assert.Equal(t, 2, report.Committed())
	assert.Equal(t, 1, report.Failed())

	failed := report.Files[2]
	assert.Equal(t, "c", failed.Name)
	assert.Equal(t, importer.Fail, failed.Outcome)
	assert.Equal(t, importer.Failed, failed.State)
	assert.ErrorIs(t, failed.Err, edf.ErrFormat)

	warnings := logs.FilterMessage("Skipping malformed recording").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, filepath.Join(fx.intake, "c.edf"), warnings[0].ContextMap()["file"])
}

func TestRunIndexStability(t *testing.T) {
	fx := newFixture(t)
	labels := []string{"C1", "C2", "DC10", "C1"}
	writeRecording(t, filepath.Join(fx.intake, "first.edf"), labels, 1)

	report, err := fx.run(t, nil, importer.Options{})
	require.NoError(t, err)
	first := fx.repo.Channels()

	channels := report.Files[0].Channels
	require.Len(t, channels, 4)
	assert.Equal(t, importer.Import, channels[0].Outcome)
	assert.Equal(t, importer.Import, channels[1].Outcome)
	assert.Equal(t, importer.SkipExcluded, channels[2].Outcome)
	assert.Equal(t, -1, channels[2].Index)
	assert.Equal(t, importer.SkipExcluded, channels[3].Outcome)

	// A second run with a new recording of the same montage.
	writeRecording(t, filepath.Join(fx.intake, "second.edf"), labels, 2)
	fx.open(t)
	_, err = fx.run(t, nil, importer.Options{})
	require.NoError(t, err)

	assert.Equal(t, first, fx.repo.Channels())
	assert.NotContains(t, first, "DC10")
	assert.NotEqual(t, first["C1"], first["C2"])

	names, err := fx.store.Names(first["C1"])
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, names)
}

func TestRunDuplicateNames(t *testing.T) {
	fx := newFixture(t)
	writeRecording(t, filepath.Join(fx.intake, "a.edf"), []string{"C1"}, 1)
	writeRecording(t, filepath.Join(fx.intake, "a.EDF"), []string{"C1"}, 2)

	_, err := fx.run(t, nil, importer.Options{})
	require.ErrorIs(t, err, catalog.ErrDuplicateName)

	assert.Empty(t, fx.repo.Entries())
	assert.Empty(t, fx.repo.Channels())
}

func TestRunNameRegisteredElsewhere(t *testing.T) {
	fx := newFixture(t)
	writeRecording(t, filepath.Join(fx.intake, "a.edf"), []string{"C1"}, 1)

	_, err := fx.run(t, nil, importer.Options{})
	require.NoError(t, err)

	// The same logical name now arrives from another intake directory.
	other := t.TempDir()
	writeRecording(t, filepath.Join(other, "a.edf"), []string{"C1"}, 2)

	_, err = importer.New(fx.repo, fx.store, nil, importer.Options{IntakeDir: other}).Run(context.Background())
	require.ErrorIs(t, err, catalog.ErrDuplicateName)
}

func TestRunOverwrite(t *testing.T) {
	fx := newFixture(t)
	path := filepath.Join(fx.intake, "a.edf")
	writeRecording(t, path, []string{"C1"}, 1)

	_, err := fx.run(t, nil, importer.Options{})
	require.NoError(t, err)

	// Replace the file with new content and force a re-import.
	writeRecording(t, path, []string{"C1"}, 5)

	report, err := fx.run(t, nil, importer.Options{})
	require.NoError(t, err)
	assert.Equal(t, importer.SkipExisting, report.Files[0].Outcome)

	report, err = fx.run(t, nil, importer.Options{Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Imported())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	rec, err := edf.Parse(raw)
	require.NoError(t, err)

	entry, err := fx.repo.Entry("a")
	require.NoError(t, err)
	assert.Equal(t, rec.Checksum(), entry.SHA256)

	groups, err := fx.store.Read(0, "a")
	require.NoError(t, err)
	assert.Equal(t, rec.Samples[0], groups["a"].Samples)

	digests, err := fx.store.Digests(0)
	require.NoError(t, err)
	assert.Len(t, digests, 2)
}

func TestRunResumesAfterChannelFailure(t *testing.T) {
	fx := newFixture(t)
	writeRecording(t, filepath.Join(fx.intake, "a.edf"), []string{"C1", "C2"}, 1)

	// Channel index 1 cannot be written while a directory blocks its unit.
	blocker := filepath.Join(fx.repo.SplitDir(), "Channel002.unit")
	require.NoError(t, os.Mkdir(blocker, 0o755))

	report, err := fx.run(t, nil, importer.Options{Workers: 2})
	require.Error(t, err)
	assert.Equal(t, importer.Failed, report.Files[0].State)
	assert.False(t, fx.repo.Has("a"))

	channels := report.Files[0].Channels
	assert.Equal(t, chanstore.Written, channels[0].Result)
	assert.Equal(t, importer.Fail, channels[1].Outcome)

	require.NoError(t, os.Remove(blocker))
	fx.open(t)

	report, err = fx.run(t, nil, importer.Options{Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, importer.Committed, report.Files[0].State)
	assert.True(t, fx.repo.Has("a"))

	channels = report.Files[0].Channels
	assert.Equal(t, chanstore.SkippedDuplicate, channels[0].Result)
	assert.Equal(t, importer.SkipExisting, channels[0].Outcome)
	assert.Equal(t, chanstore.Written, channels[1].Result)

	digests := fx.digests(t)
	assert.Len(t, digests[0], 1)
	assert.Len(t, digests[1], 1)
}

func TestConcurrentRunsShareSubject(t *testing.T) {
	fx := newFixture(t)
	writeRecording(t, filepath.Join(fx.intake, "a.edf"), []string{"C1", "C2"}, 1)
	writeRecording(t, filepath.Join(fx.intake, "b.edf"), []string{"C2", "C3"}, 2)
	writeRecording(t, filepath.Join(fx.intake, "c.edf"), []string{"C4", "C1"}, 3)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		// Each run has its own handles, as separate processes would.
		repo, err := catalog.Open(fx.root, "patient01")
		require.NoError(t, err)
		store, err := chanstore.Open(repo.SplitDir())
		require.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := importer.New(repo, store, nil, importer.Options{
				IntakeDir: fx.intake,
				Copy:      true,
				Workers:   2,
			}).Run(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	fx.open(t)
	assert.Len(t, fx.repo.Entries(), 3)

	channels := fx.repo.Channels()
	require.Len(t, channels, 4)
	seen := map[int]bool{}
	for _, idx := range channels {
		assert.False(t, seen[idx], "index %d assigned twice", idx)
		seen[idx] = true
	}

	// Every channel holds each recording exactly once.
	digests := fx.digests(t)
	assert.Len(t, digests[channels["C1"]], 2)
	assert.Len(t, digests[channels["C2"]], 2)
	assert.Len(t, digests[channels["C3"]], 1)
	assert.Len(t, digests[channels["C4"]], 1)
}

func TestRunCancelled(t *testing.T) {
	fx := newFixture(t)
	writeRecording(t, filepath.Join(fx.intake, "a.edf"), []string{"C1"}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := importer.New(fx.repo, fx.store, nil, importer.Options{IntakeDir: fx.intake}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, importer.Pending, report.Files[0].State)
	assert.Empty(t, fx.repo.Entries())
}

func TestOutcomeStrings(t *testing.T) {
	assert.Equal(t, "skip-existing", importer.SkipExisting.String())
	assert.Equal(t, "committed", importer.Committed.String())
}

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package importer moves raw EDF files from an intake directory into a
// subject's catalog and split-channel store.
//
// A run is idempotent: a file is registered in the catalog only after all of
// its channels were stored, and registered files are skipped on the next
// run. An interrupted run is resumed by running it again; channels that were
// already stored are skipped by the store's dedup set.
package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/OpenPSG/edfsplit/catalog"
	"github.com/OpenPSG/edfsplit/chanstore"
	"github.com/OpenPSG/edfsplit/edf"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultExtension is the extension of raw files.
const DefaultExtension = ".edf"

// Options controls a run.
type Options struct {
	IntakeDir string // Directory scanned for raw files
	Extension string // Extension of raw files, matched case-insensitively
	Copy      bool   // Copy raw files into the catalog's raw directory
	Overwrite bool   // Re-import files already in the catalog
	Workers   int    // Channels written in parallel
}

// Importer imports raw files of one subject.
type Importer struct {
	repo   *catalog.Repository
	store  *chanstore.Store
	logger *zap.Logger
	opts   Options
}

// New creates an importer writing to repo and store.
func New(repo *catalog.Repository, store *chanstore.Store, logger *zap.Logger, opts Options) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Extension == "" {
		opts.Extension = DefaultExtension
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Importer{repo: repo, store: store, logger: logger, opts: opts}
}

// Run imports every pending file of the intake directory. Malformed files
// are reported and skipped. The returned error is non-nil when the run could
// not be planned, was cancelled, or some file failed for a reason other than
// its content; the report is returned whenever planning succeeded.
func (im *Importer) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: uuid.NewString()}
	logger := im.logger.With(
		zap.String("run_id", report.RunID),
		zap.String("subject", im.repo.Subject()))

	files, tasks, err := im.plan()
	if err != nil {
		return nil, err
	}
	report.Files = files

	start := time.Now()
	logger.Info("Import started",
		zap.String("intake", im.opts.IntakeDir),
		zap.Int("files", len(files)),
		zap.Int("pending", len(tasks)))

	var errs []error
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		flog := logger.With(zap.String("file", t.source), zap.String("name", t.report.Name))
		if err := im.importFile(ctx, t, flog); err != nil {
			t.report.State = Failed
			t.report.Err = err

			if errors.Is(err, edf.ErrFormat) || errors.Is(err, edf.ErrValidation) {
				t.report.Outcome = Fail
				flog.Warn("Skipping malformed recording", zap.Error(err))
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}

			t.report.Outcome = Fail
			flog.Error("Import failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", t.source, err))
		}
	}

	logger.Info("Import finished",
		zap.Int("imported", report.Imported()),
		zap.Int("skipped", report.Skipped()),
		zap.Int("failed", report.Failed()),
		zap.Duration("elapsed", time.Since(start)))

	return report, errors.Join(errs...)
}

// importFile takes one file from Pending to Committed.
func (im *Importer) importFile(ctx context.Context, t task, logger *zap.Logger) error {
	t.report.State = Parsing

	b, err := os.ReadFile(t.source)
	if err != nil {
		return fmt.Errorf("error reading raw file: %w", err)
	}

	rec, err := edf.Parse(b)
	if err != nil {
		return err
	}
	t.report.State = Parsed

	if t.target != t.source {
		if err := catalog.WriteFileAtomic(t.target, b, 0o644); err != nil {
			return fmt.Errorf("error copying raw file: %w", err)
		}
	}

	entry := catalog.Entry{
		Path:   t.target,
		Name:   t.report.Name,
		Ext:    t.ext,
		SHA256: rec.Checksum(),
	}

	t.report.State = Writing
	channels, err := im.writeChannels(ctx, t.report.Name, rec, logger)
	t.report.Channels = channels
	if err != nil {
		return err
	}

	if err := im.repo.Register(entry, im.opts.Overwrite); err != nil {
		return fmt.Errorf("error registering raw file: %w", err)
	}
	t.report.State = Committed

	logger.Info("Recording imported",
		zap.Int("channels", rec.SignalCount),
		zap.Int("records", rec.DataRecords),
		zap.Float64("frequency", rec.Frequency()))

	return nil
}

// writeChannels stores every indexable channel of rec. Index resolution
// runs in signal order so new labels get indices in first-seen order; the
// writes themselves run in parallel and a failing channel does not stop the
// others.
func (im *Importer) writeChannels(ctx context.Context, name string, rec *edf.Recording, logger *zap.Logger) ([]ChannelReport, error) {
	reports := make([]ChannelReport, rec.SignalCount)
	labels := map[string]int{}

	for c, sig := range rec.Signals {
		cr := &reports[c]
		*cr = ChannelReport{Position: c, Label: sig.Label, Index: -1}

		if im.repo.Classify(sig.Label) == catalog.Excluded {
			cr.Outcome = SkipExcluded
			continue
		}
		if first, ok := labels[sig.Label]; ok {
			cr.Outcome = SkipExcluded
			logger.Warn("Skipping repeated channel label",
				zap.String("label", sig.Label),
				zap.Int("position", c),
				zap.Int("first_position", first))
			continue
		}
		labels[sig.Label] = c

		idx, err := im.repo.Resolve(sig.Label)
		if err != nil {
			cr.Outcome = Fail
			cr.Err = err
			continue
		}
		cr.Index = idx
		cr.Outcome = Import
	}

	g := new(errgroup.Group)
	g.SetLimit(im.opts.Workers)

	for c := range reports {
		cr := &reports[c]
		if cr.Outcome != Import {
			continue
		}

		group := chanstore.Group{
			Name:      name,
			Unit:      rec.Signals[c].PhysicalUnit(),
			Samples:   rec.Samples[c],
			Frequency: rec.Frequency(),
		}
		g.Go(func() error {
			res, err := im.store.Write(ctx, cr.Index, group, im.opts.Overwrite)
			if err != nil {
				cr.Outcome = Fail
				cr.Err = err
				logger.Error("Channel write failed",
					zap.String("label", cr.Label),
					zap.Int("index", cr.Index),
					zap.Error(err))
				return nil
			}
			cr.Result = res
			if res == chanstore.SkippedDuplicate {
				cr.Outcome = SkipExisting
			}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, cr := range reports {
		if cr.Err != nil {
			errs = append(errs, fmt.Errorf("channel %d (%s): %w", cr.Position, cr.Label, cr.Err))
		}
	}
	return reports, errors.Join(errs...)
}

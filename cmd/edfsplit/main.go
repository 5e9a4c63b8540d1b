// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Command edfsplit imports the EDF recordings of an intake directory into a
// subject's split-channel store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/OpenPSG/edfsplit/catalog"
	"github.com/OpenPSG/edfsplit/chanstore"
	"github.com/OpenPSG/edfsplit/importer"
	"github.com/OpenPSG/edfsplit/internal/config"
	"github.com/OpenPSG/edfsplit/internal/logger"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Load .env file if it exists, the process environment wins.
	envLoaded := godotenv.Load() == nil

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "edfsplit: %v\n", err)
		os.Exit(2)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format, "edfsplit")
	if err != nil {
		fmt.Fprintf(os.Stderr, "edfsplit: failed to create logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Configuration loaded",
		zap.Bool("dotenv", envLoaded),
		zap.String("data_dir", cfg.Import.DataDir),
		zap.String("subject", cfg.Import.Subject),
		zap.String("intake_dir", cfg.Import.IntakeDir),
		zap.Int("workers", cfg.Import.Workers),
		zap.Int("compression_level", cfg.Store.CompressionLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Import failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	repo, err := catalog.Open(cfg.Import.DataDir, cfg.Import.Subject, catalog.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}

	store, err := chanstore.Open(repo.SplitDir(),
		chanstore.WithCompressionLevel(cfg.Store.CompressionLevel),
		chanstore.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to open channel store: %w", err)
	}

	im := importer.New(repo, store, log, importer.Options{
		IntakeDir: cfg.Import.IntakeDir,
		Extension: cfg.Import.Extension,
		Copy:      cfg.Import.Copy,
		Overwrite: cfg.Import.Overwrite,
		Workers:   cfg.Import.Workers,
	})

	report, err := im.Run(ctx)
	if report != nil {
		for _, f := range report.Files {
			if f.State == importer.Failed {
				log.Warn("File not imported",
					zap.String("file", f.Path),
					zap.Stringer("outcome", f.Outcome),
					zap.Error(f.Err))
			}
		}
	}

	return err
}

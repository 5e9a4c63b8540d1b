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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/OpenPSG/edfsplit/catalog"
)

// task is a planned file.
type task struct {
	report *FileReport
	source string // absolute path in the intake directory
	target string // absolute path recorded in the catalog
	ext    string
}

// plan lists the intake directory and decides the outcome of every file.
// Name collisions are reported before anything is written.
func (im *Importer) plan() ([]FileReport, []task, error) {
	// Pick up files committed by other runs since the catalog was opened.
	if err := im.repo.Reload(); err != nil {
		return nil, nil, err
	}

	intake, err := filepath.Abs(im.opts.IntakeDir)
	if err != nil {
		return nil, nil, fmt.Errorf("error resolving intake directory: %w", err)
	}

	files, err := os.ReadDir(intake)
	if err != nil {
		return nil, nil, fmt.Errorf("error listing intake directory: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })

	reports := make([]FileReport, 0, len(files))
	var (
		tasks []task
		errs  []error
		seen  = map[string]string{}
	)

	for _, f := range files {
		if !f.Type().IsRegular() {
			continue
		}

		source := filepath.Join(intake, f.Name())
		ext := filepath.Ext(f.Name())
		name := strings.TrimSuffix(f.Name(), ext)

		if !strings.EqualFold(ext, im.opts.Extension) {
			reports = append(reports, FileReport{Path: source, Name: name, Outcome: SkipExcluded, State: Pending})
			continue
		}

		if other, ok := seen[name]; ok {
			errs = append(errs, fmt.Errorf("%w: %s and %s both map to %q", catalog.ErrDuplicateName, other, source, name))
			continue
		}
		seen[name] = source

		target := source
		if im.opts.Copy {
			target = filepath.Join(im.repo.RawDir(), f.Name())
		}

		r := FileReport{Path: source, Name: name, Outcome: Import, State: Pending}
		if e, err := im.repo.Entry(name); err == nil {
			switch {
			case e.Path != target:
				errs = append(errs, fmt.Errorf("%w: %s maps to %q, already registered for %s", catalog.ErrDuplicateName, source, name, e.Path))
				continue
			case !im.opts.Overwrite:
				r.Outcome = SkipExisting
				r.State = Committed
			}
		}

		reports = append(reports, r)
		if r.Outcome == Import {
			tasks = append(tasks, task{source: source, target: target, ext: ext})
		}
	}

	if len(errs) > 0 {
		return nil, nil, errors.Join(errs...)
	}

	// Reports are final now; tasks point into the slice.
	i := 0
	for j := range reports {
		if reports[j].Outcome == Import {
			tasks[i].report = &reports[j]
			i++
		}
	}

	return reports, tasks, nil
}

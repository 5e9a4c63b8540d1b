// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package edf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Decode reads the whole of r and parses it as an EDF recording.
func Decode(r io.Reader) (*Recording, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error reading recording: %w", err)
	}
	return Parse(b)
}

// Parse decodes an EDF recording from b. The result depends only on b.
func Parse(b []byte) (*Recording, error) {
	if len(b) < FixedHeaderSize {
		return nil, fmt.Errorf("%w: header truncated at %d bytes", ErrFormat, len(b))
	}

	// Parse fields based on EDF/EDF+ specifications
	hdr := Header{}
	hdr.Version = Version(strings.TrimSpace(string(b[0:8])))
	hdr.PatientID = strings.TrimSpace(string(b[8:88]))
	hdr.RecordingID = strings.TrimSpace(string(b[88:168]))
	hdr.StartDate = strings.TrimSpace(string(b[168:176]))
	hdr.StartTime = strings.TrimSpace(string(b[176:184]))

	var err error
	if hdr.HeaderBytes, err = parseInt(b[184:192], "header bytes"); err != nil {
		return nil, err
	}
	if hdr.DataRecords, err = parseInt(b[236:244], "number of data records"); err != nil {
		return nil, err
	}
	if hdr.DataRecordDuration, err = parseFloat(b[244:252], "data record duration"); err != nil {
		return nil, err
	}
	if hdr.SignalCount, err = parseInt(b[252:256], "signal count"); err != nil {
		return nil, err
	}

	if hdr.SignalCount < 1 {
		return nil, fmt.Errorf("%w: signal count %d", ErrFormat, hdr.SignalCount)
	}
	if hdr.DataRecords < 0 {
		return nil, fmt.Errorf("%w: number of data records %d", ErrFormat, hdr.DataRecords)
	}

	// Read signal headers
	n := hdr.SignalCount
	hdr.Signals = make([]Signal, n)
	sh := &signalHeaders{b: b, off: FixedHeaderSize, n: n}

	if err := sh.each(16, "label", func(i int, f []byte) (err error) {
		hdr.Signals[i].Label = strings.TrimSpace(string(f))
		return nil
	}); err != nil {
		return nil, err
	}

	if err := sh.each(80, "transducer type", func(i int, f []byte) (err error) {
		hdr.Signals[i].TransducerType = strings.TrimSpace(string(f))
		return nil
	}); err != nil {
		return nil, err
	}

	if err := sh.each(8, "physical dimension", func(i int, f []byte) (err error) {
		hdr.Signals[i].PhysicalDimension = strings.TrimSpace(string(f))
		return nil
	}); err != nil {
		return nil, err
	}

	if err := sh.each(8, "physical minimum", func(i int, f []byte) (err error) {
		hdr.Signals[i].PhysicalMin, err = parseFloat(f, fmt.Sprintf("physical minimum of signal %d", i))
		return err
	}); err != nil {
		return nil, err
	}

	if err := sh.each(8, "physical maximum", func(i int, f []byte) (err error) {
		hdr.Signals[i].PhysicalMax, err = parseFloat(f, fmt.Sprintf("physical maximum of signal %d", i))
		return err
	}); err != nil {
		return nil, err
	}

	if err := sh.each(8, "digital minimum", func(i int, f []byte) (err error) {
		hdr.Signals[i].DigitalMin, err = parseInt(f, fmt.Sprintf("digital minimum of signal %d", i))
		return err
	}); err != nil {
		return nil, err
	}

	if err := sh.each(8, "digital maximum", func(i int, f []byte) (err error) {
		hdr.Signals[i].DigitalMax, err = parseInt(f, fmt.Sprintf("digital maximum of signal %d", i))
		return err
	}); err != nil {
		return nil, err
	}

	if err := sh.each(80, "prefiltering", func(i int, f []byte) (err error) {
		hdr.Signals[i].Prefiltering = strings.TrimSpace(string(f))
		return nil
	}); err != nil {
		return nil, err
	}

	if err := sh.each(8, "samples per record", func(i int, f []byte) (err error) {
		hdr.Signals[i].SamplesPerRecord, err = parseInt(f, fmt.Sprintf("samples per record of signal %d", i))
		return err
	}); err != nil {
		return nil, err
	}

	// The reserved block is best effort: any problem zeroes every signal.
	reserved := make([]int, n)
	if err := sh.each(32, "reserved", func(i int, f []byte) (err error) {
		reserved[i], err = parseInt(f, "reserved")
		return err
	}); err == nil {
		for i := range hdr.Signals {
			hdr.Signals[i].ReservedSamples = reserved[i]
		}
	}

	samplesPerRecord := hdr.Signals[0].SamplesPerRecord
	for i, sig := range hdr.Signals {
		if sig.SamplesPerRecord != samplesPerRecord {
			return nil, fmt.Errorf("%w: signal %d has %d samples per record, signal 0 has %d (mixed sampling rates are not supported)",
				ErrFormat, i, sig.SamplesPerRecord, samplesPerRecord)
		}
	}
	if samplesPerRecord < 0 {
		return nil, fmt.Errorf("%w: samples per record %d", ErrFormat, samplesPerRecord)
	}

	headerSize := FixedHeaderSize + n*SignalHeaderSize
	recordSize := n * samplesPerRecord * 2
	if want := int64(headerSize) + int64(hdr.DataRecords)*int64(recordSize); want != int64(len(b)) {
		return nil, fmt.Errorf("%w: expected %d bytes (%d header, %d records of %d bytes), got %d",
			ErrFormat, want, headerSize, hdr.DataRecords, recordSize, len(b))
	}

	for i, sig := range hdr.Signals {
		if sig.DigitalMax == sig.DigitalMin {
			return nil, fmt.Errorf("%w: signal %d (%s) has equal digital minimum and maximum %d",
				ErrValidation, i, sig.Label, sig.DigitalMin)
		}
	}
	if hdr.DataRecordDuration <= 0 {
		return nil, fmt.Errorf("%w: data record duration %g", ErrValidation, hdr.DataRecordDuration)
	}

	rec := &Recording{Header: hdr, Samples: make([][]int16, n)}
	for i := range rec.Samples {
		rec.Samples[i] = make([]int16, hdr.DataRecords*samplesPerRecord)
	}

	pos := headerSize
	for r := 0; recordSize > 0 && r < hdr.DataRecords; r++ {
		for i := 0; i < n; i++ {
			dst := rec.Samples[i][r*samplesPerRecord : (r+1)*samplesPerRecord]
			for j := range dst {
				dst[j] = int16(binary.LittleEndian.Uint16(b[pos:]))
				pos += 2
			}
		}
	}

	return rec, nil
}

// signalHeaders walks the per-signal header blocks, each holding one
// fixed-width field for every signal.
type signalHeaders struct {
	b   []byte
	off int
	n   int
}

func (sh *signalHeaders) each(width int, name string, fn func(i int, f []byte) error) error {
	end := sh.off + width*sh.n
	if end > len(sh.b) {
		return fmt.Errorf("%w: signal headers truncated in %s block", ErrFormat, name)
	}
	for i := 0; i < sh.n; i++ {
		if err := fn(i, sh.b[sh.off+i*width:sh.off+(i+1)*width]); err != nil {
			return err
		}
	}
	sh.off = end
	return nil
}

// convertDigitalToPhysical converts a digital value from the data record to a physical value using the calibration factors.
func convertDigitalToPhysical(digital int16, dmin, dmax int, pmin, pmax float64) float64 {
	if dmax == dmin {
		return 0 // Avoid division by zero
	}
	return pmin + (float64(digital)-float64(dmin))*(pmax-pmin)/float64(dmax-dmin)
}

func parseFloat(b []byte, field string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: error parsing %s: %w", ErrFormat, field, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %s is not finite: %q", ErrFormat, field, strings.TrimSpace(string(b)))
	}
	return f, nil
}

func parseInt(b []byte, field string) (int, error) {
	i, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("%w: error parsing %s: %w", ErrFormat, field, err)
	}
	return i, nil
}

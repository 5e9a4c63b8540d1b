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
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
)

// Writer writes EDF files.
type Writer struct {
	w           io.WriteSeeker
	hdr         *Header
	dataRecords int // Number of data records written so far.
}

// Create creates a new EDF writer that writes to the given writer.
func Create(w io.WriteSeeker, hdr Header) (*Writer, error) {
	if hdr.SignalCount != len(hdr.Signals) {
		return nil, fmt.Errorf("signal count %d does not match %d signals", hdr.SignalCount, len(hdr.Signals))
	}
	if hdr.Version == "" {
		hdr.Version = Version0
	}
	hdr.DataRecords = -1 // Unknown number of data records (at this time).

	ew := &Writer{w: w, hdr: &hdr}

	// Write the initial header
	if err := ew.writeHeader(); err != nil {
		return nil, fmt.Errorf("error writing header: %w", err)
	}

	return ew, nil
}

// Close finalizes the EDF file by updating the header with the total number of data records.
func (ew *Writer) Close() error {
	// Finalize the header with the actual number of data records
	ew.hdr.DataRecords = ew.dataRecords
	if err := ew.writeHeader(); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}

	return nil
}

// WriteRecord writes a single data record of digital samples.
func (ew *Writer) WriteRecord(signals [][]int16) error {
	if len(signals) != ew.hdr.SignalCount {
		return fmt.Errorf("expected %d signals, got %d", ew.hdr.SignalCount, len(signals))
	}

	for i, signal := range signals {
		if len(signal) != ew.hdr.Signals[i].SamplesPerRecord {
			return fmt.Errorf("signal %d: expected %d samples, got %d", i, ew.hdr.Signals[i].SamplesPerRecord, len(signal))
		}
	}

	// Records are appended after whatever was written last.
	if _, err := ew.w.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	writer := bufio.NewWriter(ew.w)

	for _, signal := range signals {
		if err := binary.Write(writer, binary.LittleEndian, signal); err != nil {
			return err
		}
	}

	// Ensure all data is flushed to the underlying writer
	if err := writer.Flush(); err != nil {
		return err
	}

	ew.dataRecords++
	return nil
}

// WritePhysicalRecord converts physical values with each signal's calibration and writes them as one data record.
func (ew *Writer) WritePhysicalRecord(signals [][]float64) error {
	if len(signals) != ew.hdr.SignalCount {
		return fmt.Errorf("expected %d signals, got %d", ew.hdr.SignalCount, len(signals))
	}

	digital := make([][]int16, len(signals))
	for i, signal := range signals {
		s := ew.hdr.Signals[i]
		digital[i] = make([]int16, len(signal))
		for j, sample := range signal {
			digital[i][j] = convertPhysicalToDigital(sample, s.PhysicalMin, s.PhysicalMax, s.DigitalMin, s.DigitalMax)
		}
	}

	return ew.WriteRecord(digital)
}

// WriteHeader writes an EDF header to the given writer.
func (ew *Writer) writeHeader() error {
	// Rewind to the beginning of the file.
	_, err := ew.w.Seek(0, io.SeekStart)
	if err != nil {
		return err
	}

	writer := bufio.NewWriter(ew.w)
	hw := &headerWriter{w: writer}

	hw.field(8, string(ew.hdr.Version))
	hw.field(80, ew.hdr.PatientID)
	hw.field(80, ew.hdr.RecordingID)
	hw.field(8, ew.hdr.StartDate)
	hw.field(8, ew.hdr.StartTime)

	ew.hdr.HeaderBytes = FixedHeaderSize + (ew.hdr.SignalCount * SignalHeaderSize)
	hw.field(8, strconv.Itoa(ew.hdr.HeaderBytes))

	// Write 44 empty reserved bytes.
	hw.field(44, "")

	hw.field(8, strconv.Itoa(ew.hdr.DataRecords))
	hw.field(8, strconv.FormatFloat(ew.hdr.DataRecordDuration, 'f', -1, 64))
	hw.field(4, strconv.Itoa(ew.hdr.SignalCount))

	// Write signal details
	for _, signal := range ew.hdr.Signals {
		hw.field(16, signal.Label)
	}
	for _, signal := range ew.hdr.Signals {
		hw.field(80, signal.TransducerType)
	}
	for _, signal := range ew.hdr.Signals {
		hw.field(8, signal.PhysicalDimension)
	}
	for _, signal := range ew.hdr.Signals {
		hw.field(8, formatPhysicalValue(signal.PhysicalMin))
	}
	for _, signal := range ew.hdr.Signals {
		hw.field(8, formatPhysicalValue(signal.PhysicalMax))
	}
	for _, signal := range ew.hdr.Signals {
		hw.field(8, strconv.Itoa(signal.DigitalMin))
	}
	for _, signal := range ew.hdr.Signals {
		hw.field(8, strconv.Itoa(signal.DigitalMax))
	}
	for _, signal := range ew.hdr.Signals {
		hw.field(80, signal.Prefiltering)
	}
	for _, signal := range ew.hdr.Signals {
		hw.field(8, strconv.Itoa(signal.SamplesPerRecord))
	}

	// Reserved for future use
	for range ew.hdr.Signals {
		hw.field(32, "")
	}

	if hw.err != nil {
		return hw.err
	}

	// Ensure all data is flushed to the underlying writer
	return writer.Flush()
}

// headerWriter writes space padded ASCII fields and keeps the first error.
type headerWriter struct {
	w   *bufio.Writer
	err error
}

func (hw *headerWriter) field(width int, value string) {
	if hw.err != nil {
		return
	}
	if len(value) > width {
		hw.err = fmt.Errorf("value %q does not fit in %d bytes", value, width)
		return
	}
	_, hw.err = hw.w.WriteString(fmt.Sprintf("%-*s", width, value))
}

// convertPhysicalToDigital converts a physical value to a digital value using the calibration factors.
func convertPhysicalToDigital(physical float64, pmin, pmax float64, dmin, dmax int) int16 {
	if pmax == pmin {
		return 0 // Avoid division by zero
	}
	digital := ((physical - pmin) * (float64(dmax - dmin)) / (pmax - pmin)) + float64(dmin)
	return int16(digital)
}

func formatPhysicalValue(val float64) string {
	// Try with 2 decimal places
	s := fmt.Sprintf("%.2f", val)
	if len(s) > 8 {
		// Fall back to no decimal
		s = fmt.Sprintf("%.0f", val)
	}
	return s
}

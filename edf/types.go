// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package edf decodes and encodes EDF recordings held entirely in memory.
package edf

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

type Version string

const (
	// Version0 represents the version of the EDF/EDF+ standard.
	Version0 Version = "0"
)

// Fixed sizes of the header sections in bytes.
const (
	FixedHeaderSize  = 256
	SignalHeaderSize = 256
)

var (
	// ErrFormat is returned for malformed or truncated files.
	ErrFormat = errors.New("edf: malformed file")
	// ErrValidation is returned for files whose header values are inconsistent.
	ErrValidation = errors.New("edf: invalid header")
)

// Header represents the EDF/EDF+ file header.
type Header struct {
	Version            Version  // Version of the EDF/EDF+ standard (usually "0")
	PatientID          string   // Identification of the patient
	RecordingID        string   // Identification of the recording session
	StartDate          string   // Start date of the recording (dd.mm.yy)
	StartTime          string   // Start time of the recording (hh.mm.ss)
	HeaderBytes        int      // Number of bytes in the header, as declared
	DataRecords        int      // Number of data records, -1 if unknown
	DataRecordDuration float64  // Duration of a single data record in seconds
	SignalCount        int      // Number of signals in each data record
	Signals            []Signal // Details of each signal
}

// Signal represents the characteristics of each signal in the EDF/EDF+ file.
type Signal struct {
	Label             string  // Label of the signal (e.g., EEG Fpz-Cz)
	TransducerType    string  // Type of transducer used
	PhysicalDimension string  // Physical dimension (e.g., uV, mV)
	PhysicalMin       float64 // Minimum physical value
	PhysicalMax       float64 // Maximum physical value
	DigitalMin        int     // Minimum digital value
	DigitalMax        int     // Maximum digital value
	Prefiltering      string  // Pre-filtering information
	SamplesPerRecord  int     // Number of samples in each data record for this signal
	ReservedSamples   int     // Reserved field, zero when blank or unparsable
}

// PhysicalUnit returns the physical value of one digital step.
func (s Signal) PhysicalUnit() float64 {
	return (s.PhysicalMax - s.PhysicalMin) / float64(s.DigitalMax-s.DigitalMin)
}

// Recording is a fully decoded EDF file.
type Recording struct {
	Header
	// Samples holds the digital samples of each signal, in declared order.
	Samples [][]int16
}

// Frequency returns the sampling frequency in Hz. All signals share the rate.
func (r *Recording) Frequency() float64 {
	if len(r.Signals) == 0 || r.DataRecordDuration <= 0 {
		return 0
	}
	return float64(r.Signals[0].SamplesPerRecord) / r.DataRecordDuration
}

// Start returns the start date and time of the recording in UTC.
func (r *Recording) Start() (time.Time, error) {
	startDate, err := time.Parse("02.01.06", r.StartDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("error parsing start date: %w", err)
	}
	startTime, err := time.Parse("15.04.05", r.StartTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("error parsing start time: %w", err)
	}
	return time.Date(startDate.Year(), startDate.Month(), startDate.Day(),
		startTime.Hour(), startTime.Minute(), startTime.Second(), 0, time.UTC), nil
}

// Physical returns the samples of signal c converted to physical values.
func (r *Recording) Physical(c int) ([]float64, error) {
	if c < 0 || c >= len(r.Samples) {
		return nil, fmt.Errorf("signal index out of range")
	}

	signal := r.Signals[c]
	data := make([]float64, len(r.Samples[c]))
	for i, d := range r.Samples[c] {
		data[i] = convertDigitalToPhysical(d, signal.DigitalMin, signal.DigitalMax, signal.PhysicalMin, signal.PhysicalMax)
	}
	return data, nil
}

// Checksum returns the hex SHA-256 of the whole sample matrix, signal by
// signal, as little-endian int16.
func (r *Recording) Checksum() string {
	h := sha256.New()
	for _, samples := range r.Samples {
		h.Write(SampleBytes(samples))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ChannelChecksum returns the hex SHA-256 of a single signal's samples.
func (r *Recording) ChannelChecksum(c int) string {
	return SampleChecksum(r.Samples[c])
}

// SampleChecksum returns the hex SHA-256 of samples encoded as little-endian int16.
func SampleChecksum(samples []int16) string {
	sum := sha256.Sum256(SampleBytes(samples))
	return hex.EncodeToString(sum[:])
}

// SampleBytes encodes samples as little-endian int16.
func SampleBytes(samples []int16) []byte {
	b := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}

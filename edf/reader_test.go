// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package edf_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/OpenPSG/edfsplit/edf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Offsets of the per-signal blocks in a two signal file.
const (
	offPhysicalMin  = 256 + 2*(16+80+8)
	offDigitalMin   = 256 + 2*(16+80+8+8+8)
	offSamplesPerRc = 256 + 2*(16+80+8+8+8+8+8+80)
	offReserved     = offSamplesPerRc + 2*8
)

func testHeader() edf.Header {
	return edf.Header{
		Version:            edf.Version0,
		PatientID:          "X F 02-MAY-1951 Haagse_Harry",
		RecordingID:        "Startdate 02-MAR-2002 EMG561 BK/JOP",
		StartDate:          "02.03.02",
		StartTime:          "14.27.00",
		DataRecordDuration: 1,
		SignalCount:        2,
		Signals: []edf.Signal{
			{
				Label:             "C1",
				TransducerType:    "AgAgCl electrode",
				PhysicalDimension: "uV",
				PhysicalMin:       -500,
				PhysicalMax:       500,
				DigitalMin:        -2048,
				DigitalMax:        2047,
				Prefiltering:      "HP:0.1Hz LP:75Hz",
				SamplesPerRecord:  4,
			},
			{
				Label:             "C2",
				TransducerType:    "AgAgCl electrode",
				PhysicalDimension: "uV",
				PhysicalMin:       -3200,
				PhysicalMax:       3200,
				DigitalMin:        -32768,
				DigitalMax:        32767,
				SamplesPerRecord:  4,
			},
		},
	}
}

var testRecords = [][][]int16{
	{{0, 1, -1, 2047}, {-32768, 32767, 5, -5}},
	{{10, 11, 12, 13}, {20, 21, 22, 23}},
	{{-2048, 0, 100, -100}, {1000, -1000, 0, 7}},
}

// encode writes hdr and records through the Writer and returns the file bytes.
func encode(t *testing.T, hdr edf.Header, records [][][]int16) []byte {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.edf")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)

	ew, err := edf.Create(f, hdr)
	require.NoError(t, err)

	for _, record := range records {
		require.NoError(t, ew.WriteRecord(record))
	}

	require.NoError(t, ew.Close())
	require.NoError(t, f.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return b
}

func TestParseRoundTrip(t *testing.T) {
	b := encode(t, testHeader(), testRecords)
	require.Len(t, b, 256+2*256+3*2*4*2)

	rec, err := edf.Parse(b)
	require.NoError(t, err)

	assert.Equal(t, edf.Version0, rec.Version)
	assert.Equal(t, "X F 02-MAY-1951 Haagse_Harry", rec.PatientID)
	assert.Equal(t, "Startdate 02-MAR-2002 EMG561 BK/JOP", rec.RecordingID)
	assert.Equal(t, "02.03.02", rec.StartDate)
	assert.Equal(t, "14.27.00", rec.StartTime)
	assert.Equal(t, 768, rec.HeaderBytes)
	assert.Equal(t, 3, rec.DataRecords)
	assert.Equal(t, 1.0, rec.DataRecordDuration)
	assert.Equal(t, 2, rec.SignalCount)

	require.Len(t, rec.Signals, 2)
	assert.Equal(t, "C1", rec.Signals[0].Label)
	assert.Equal(t, "AgAgCl electrode", rec.Signals[0].TransducerType)
	assert.Equal(t, "uV", rec.Signals[0].PhysicalDimension)
	assert.Equal(t, -500.0, rec.Signals[0].PhysicalMin)
	assert.Equal(t, 500.0, rec.Signals[0].PhysicalMax)
	assert.Equal(t, -2048, rec.Signals[0].DigitalMin)
	assert.Equal(t, 2047, rec.Signals[0].DigitalMax)
	assert.Equal(t, "HP:0.1Hz LP:75Hz", rec.Signals[0].Prefiltering)
	assert.Equal(t, 4, rec.Signals[0].SamplesPerRecord)
	assert.Equal(t, 0, rec.Signals[0].ReservedSamples)
	assert.Equal(t, "C2", rec.Signals[1].Label)
	assert.Equal(t, -32768, rec.Signals[1].DigitalMin)

	assert.Equal(t, [][]int16{
		{0, 1, -1, 2047, 10, 11, 12, 13, -2048, 0, 100, -100},
		{-32768, 32767, 5, -5, 20, 21, 22, 23, 1000, -1000, 0, 7},
	}, rec.Samples)

	assert.Equal(t, 4.0, rec.Frequency())

	start, err := rec.Start()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2002, time.March, 2, 14, 27, 0, 0, time.UTC), start)
}

func TestParseDeterministic(t *testing.T) {
	b := encode(t, testHeader(), testRecords)

	first, err := edf.Parse(b)
	require.NoError(t, err)
	second, err := edf.Decode(bytes.NewReader(b))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first.Checksum(), second.Checksum())
	assert.NotEqual(t, first.ChannelChecksum(0), first.ChannelChecksum(1))
}

func TestPhysicalUnit(t *testing.T) {
	sig := edf.Signal{PhysicalMin: -500, PhysicalMax: 500, DigitalMin: -2048, DigitalMax: 2047}
	assert.Equal(t, 1000.0/4095.0, sig.PhysicalUnit())
}

func TestPhysical(t *testing.T) {
	rec, err := edf.Parse(encode(t, testHeader(), testRecords))
	require.NoError(t, err)

	values, err := rec.Physical(0)
	require.NoError(t, err)
	require.Len(t, values, 12)
	assert.InDelta(t, 500.0, values[3], 0.001)
	assert.InDelta(t, -500.0, values[8], 0.001)

	_, err = rec.Physical(2)
	assert.Error(t, err)
}

func TestParseReservedSamples(t *testing.T) {
	b := encode(t, testHeader(), testRecords)
	copy(b[offReserved:], "7")
	copy(b[offReserved+32:], "9")

	rec, err := edf.Parse(b)
	require.NoError(t, err)
	assert.Equal(t, 7, rec.Signals[0].ReservedSamples)
	assert.Equal(t, 9, rec.Signals[1].ReservedSamples)

	// One unparsable entry zeroes them all.
	copy(b[offReserved+32:], "x")
	rec, err = edf.Parse(b)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Signals[0].ReservedSamples)
	assert.Equal(t, 0, rec.Signals[1].ReservedSamples)
}

func TestParseFormatErrors(t *testing.T) {
	valid := encode(t, testHeader(), testRecords)

	tests := []struct {
		name   string
		mutate func(b []byte) []byte
	}{
		{"empty", func(b []byte) []byte { return nil }},
		{"truncated fixed header", func(b []byte) []byte { return b[:200] }},
		{"truncated signal headers", func(b []byte) []byte { return b[:300] }},
		{"truncated data", func(b []byte) []byte { return b[:len(b)-1] }},
		{"trailing bytes", func(b []byte) []byte { return append(b, 0, 0) }},
		{"bad record count", func(b []byte) []byte { copy(b[236:244], "three   "); return b }},
		{"bad duration", func(b []byte) []byte { copy(b[244:252], "1s      "); return b }},
		{"NaN duration", func(b []byte) []byte { copy(b[244:252], "NaN     "); return b }},
		{"infinite duration", func(b []byte) []byte { copy(b[244:252], "+Inf    "); return b }},
		{"infinite physical minimum", func(b []byte) []byte { copy(b[offPhysicalMin:], "-Inf    "); return b }},
		{"NaN physical maximum", func(b []byte) []byte { copy(b[offPhysicalMin+2*8:], "nan     "); return b }},
		{"bad signal count", func(b []byte) []byte { copy(b[252:256], "two "); return b }},
		{"zero signals", func(b []byte) []byte { copy(b[252:256], "0   "); return b }},
		{"negative record count", func(b []byte) []byte { copy(b[236:244], "-1      "); return b }},
		{"bad digital minimum", func(b []byte) []byte { copy(b[offDigitalMin:], "low     "); return b }},
		{"bad samples per record", func(b []byte) []byte { copy(b[offSamplesPerRc:], "many    "); return b }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.mutate(bytes.Clone(valid))
			_, err := edf.Parse(b)
			require.ErrorIs(t, err, edf.ErrFormat)
		})
	}
}

func TestParseMixedSamplingRates(t *testing.T) {
	hdr := testHeader()
	hdr.Signals[1].SamplesPerRecord = 2

	b := encode(t, hdr, [][][]int16{{{1, 2, 3, 4}, {5, 6}}})

	_, err := edf.Parse(b)
	require.ErrorIs(t, err, edf.ErrFormat)
}

func TestParseValidationErrors(t *testing.T) {
	t.Run("equal digital range", func(t *testing.T) {
		hdr := testHeader()
		hdr.Signals[1].DigitalMin = 0
		hdr.Signals[1].DigitalMax = 0

		_, err := edf.Parse(encode(t, hdr, testRecords))
		require.ErrorIs(t, err, edf.ErrValidation)
	})

	t.Run("zero duration", func(t *testing.T) {
		hdr := testHeader()
		hdr.DataRecordDuration = 0

		_, err := edf.Parse(encode(t, hdr, testRecords))
		require.ErrorIs(t, err, edf.ErrValidation)
	})
}

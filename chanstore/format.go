// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package chanstore

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/OpenPSG/edfsplit/edf"
	"github.com/klauspost/compress/gzip"
)

// Unit file layout, all integers little-endian:
//
//	header: magic "ISPL" | version uint16
//	group:  "GRP-" | body size uint32 | body | crc32(body) uint32
//	body:   name size uint16 | name | unit float64 | frequency float64 |
//	        sample count uint32 | codec uint8 | level int8 |
//	        sha256 [32]byte | payload size uint32 | payload
//
// Groups are only ever appended. The last group of a name wins.
const (
	magic          = "ISPL"
	formatVersion  = uint16(1)
	chunkGroup     = "GRP-"
	fileHeaderSize = 6
	chunkHeadSize  = 8
	chunkTailSize  = 4
)

const (
	codecRaw  uint8 = 0
	codecGzip uint8 = 1
)

// group is the decoded metadata of one group chunk.
type group struct {
	name      string
	unit      float64
	frequency float64
	count     int
	codec     uint8
	level     int8
	sha256    string
	payload   []byte
}

func writeFileHeader(w io.Writer) error {
	b := make([]byte, fileHeaderSize)
	copy(b, magic)
	binary.LittleEndian.PutUint16(b[4:], formatVersion)
	_, err := w.Write(b)
	return err
}

func checkFileHeader(b []byte) error {
	if len(b) < fileHeaderSize || string(b[:4]) != magic {
		return ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint16(b[4:]); v != formatVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	return nil
}

// encodeGroup builds a complete group chunk for samples.
func encodeGroup(g Group, sum string, level int) ([]byte, error) {
	raw := edf.SampleBytes(g.Samples)

	codec := codecRaw
	payload := raw
	if level != 0 {
		var buf bytes.Buffer
		zw, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, fmt.Errorf("failed to create compressor: %w", err)
		}
		if _, err := zw.Write(raw); err != nil {
			return nil, fmt.Errorf("failed to compress samples: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress samples: %w", err)
		}
		codec = codecGzip
		payload = buf.Bytes()
	}

	digest, err := hex.DecodeString(sum)
	if err != nil || len(digest) != 32 {
		return nil, fmt.Errorf("invalid sample checksum %q", sum)
	}
	if len(g.Name) > math.MaxUint16 {
		return nil, fmt.Errorf("recording name too long: %d bytes", len(g.Name))
	}

	bodySize := 2 + len(g.Name) + 8 + 8 + 4 + 1 + 1 + 32 + 4 + len(payload)
	buf := make([]byte, chunkHeadSize+bodySize+chunkTailSize)
	offset := 0

	copy(buf[offset:], chunkGroup)
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], uint32(bodySize))
	offset += 4

	body := offset

	binary.LittleEndian.PutUint16(buf[offset:], uint16(len(g.Name)))
	offset += 2
	copy(buf[offset:], g.Name)
	offset += len(g.Name)

	binary.LittleEndian.PutUint64(buf[offset:], math.Float64bits(g.Unit))
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], math.Float64bits(g.Frequency))
	offset += 8

	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(g.Samples)))
	offset += 4

	buf[offset] = codec
	offset++
	buf[offset] = byte(int8(level))
	offset++

	copy(buf[offset:], digest)
	offset += 32

	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(payload)))
	offset += 4
	copy(buf[offset:], payload)
	offset += len(payload)

	binary.LittleEndian.PutUint32(buf[offset:], crc32.ChecksumIEEE(buf[body:offset]))

	return buf, nil
}

// decodeGroup parses a chunk body whose CRC has already been checked.
func decodeGroup(body []byte) (*group, error) {
	r := bytes.NewReader(body)
	g := &group{}

	var nameLen uint16
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return nil, ErrCorruptedData
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, ErrCorruptedData
	}
	g.name = string(name)

	var fixed struct {
		Unit      float64
		Frequency float64
		Count     uint32
		Codec     uint8
		Level     int8
		SHA256    [32]byte
		Size      uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &fixed); err != nil {
		return nil, ErrCorruptedData
	}
	if int(fixed.Size) != r.Len() {
		return nil, ErrCorruptedData
	}

	g.unit = fixed.Unit
	g.frequency = fixed.Frequency
	g.count = int(fixed.Count)
	g.codec = fixed.Codec
	g.level = fixed.Level
	g.sha256 = hex.EncodeToString(fixed.SHA256[:])
	g.payload = body[len(body)-r.Len():]

	return g, nil
}

// samples decompresses and decodes the payload of g.
func (g *group) samples() ([]int16, error) {
	raw := g.payload
	switch g.codec {
	case codecRaw:
	case codecGzip:
		zr, err := gzip.NewReader(bytes.NewReader(g.payload))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptedData, err)
		}
		defer zr.Close()
		if raw, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptedData, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrCorruptedData, g.codec)
	}

	if len(raw) != 2*g.count {
		return nil, fmt.Errorf("%w: expected %d samples, got %d bytes", ErrCorruptedData, g.count, len(raw))
	}

	samples := make([]int16, g.count)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return samples, nil
}

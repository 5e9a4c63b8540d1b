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
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"sort"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// unit is the in-memory index of one channel file. mu serialises access
// within the process, lock across processes and store handles.
type unit struct {
	mu      sync.Mutex
	lock    *flock.Flock
	channel int
	path    string
	logger  *zap.Logger

	loaded  bool
	end     int64            // offset past the last valid chunk, 0 if there is no file
	latest  map[string]int64 // offset of the newest group of each name
	digests []Digest
	seen    map[Digest]struct{}
}

// load scans the unit file and rebuilds the index. A torn chunk at the end
// of the file, left by an interrupted append, is ignored and will be
// truncated by the next append.
func (u *unit) load() error {
	u.loaded = false
	u.latest = map[string]int64{}
	u.seen = map[Digest]struct{}{}
	u.digests = nil
	u.end = 0

	f, err := os.Open(u.path)
	if errors.Is(err, fs.ErrNotExist) {
		u.loaded = true
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to open unit: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat unit: %w", err)
	}
	size := info.Size()

	r := bufio.NewReader(f)

	head := make([]byte, fileHeaderSize)
	if _, err := io.ReadFull(r, head); errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		// Interrupted while creating the file.
		u.logger.Warn("Discarding unit with torn header", zap.String("path", u.path))
		u.loaded = true
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to read unit: %w", err)
	}
	if err := checkFileHeader(head); err != nil {
		return fmt.Errorf("%s: %w", u.path, err)
	}

	off := int64(fileHeaderSize)
	for off < size {
		body, next, err := readChunk(r, off, size)
		if err != nil {
			torn := errors.Is(err, io.ErrUnexpectedEOF) ||
				((errors.Is(err, ErrCorruptedData) || errors.Is(err, ErrInvalidChunk)) && next >= size)
			if torn {
				// An interrupted append leaves nothing valid behind it.
				found, serr := hasChunkAfter(f, off+1, size)
				if serr != nil {
					return fmt.Errorf("failed to scan unit: %w", serr)
				}
				if found {
					torn, err = false, ErrCorruptedData
				}
			}
			if !torn {
				return fmt.Errorf("%s at offset %d: %w", u.path, off, err)
			}
			u.logger.Warn("Ignoring torn chunk at end of unit",
				zap.String("path", u.path),
				zap.Int64("offset", off),
				zap.Int64("size", size))
			break
		}

		g, err := decodeGroup(body)
		if err != nil {
			return fmt.Errorf("%s at offset %d: %w", u.path, off, err)
		}
		u.index(Digest{Name: g.name, SHA256: g.sha256}, off)
		off = next
	}

	u.end = off
	u.loaded = true
	return nil
}

// readChunk reads the chunk starting at off from r and returns its verified
// body and the offset of the following chunk. Chunks reaching past limit are
// reported as truncated.
func readChunk(r io.Reader, off, limit int64) ([]byte, int64, error) {
	head := make([]byte, chunkHeadSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, 0, io.ErrUnexpectedEOF
	}
	size := int64(binary.LittleEndian.Uint32(head[4:]))
	next := off + chunkHeadSize + size + chunkTailSize

	if string(head[:4]) != chunkGroup {
		return nil, next, ErrInvalidChunk
	}
	if next > limit {
		return nil, next, io.ErrUnexpectedEOF
	}

	buf := make([]byte, size+chunkTailSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, next, io.ErrUnexpectedEOF
	}

	body := buf[:size]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(buf[size:]) {
		return nil, next, ErrCorruptedData
	}

	return body, next, nil
}

// hasChunkAfter reports whether a valid chunk starts anywhere in [from, limit).
func hasChunkAfter(r io.ReaderAt, from, limit int64) (bool, error) {
	const window = 1 << 20
	buf := make([]byte, window+len(chunkGroup)-1)
	id := []byte(chunkGroup)

	for base := from; base+chunkHeadSize <= limit; base += window {
		end := base + int64(len(buf))
		if end > limit {
			end = limit
		}
		b := buf[:end-base]
		if _, err := r.ReadAt(b, base); err != nil && !errors.Is(err, io.EOF) {
			return false, err
		}

		for i := 0; ; {
			j := bytes.Index(b[i:], id)
			if j < 0 {
				break
			}
			off := base + int64(i+j)
			if _, _, err := readChunk(io.NewSectionReader(r, off, limit-off), off, limit); err == nil {
				return true, nil
			}
			i += j + 1
		}
	}
	return false, nil
}

func readGroupAt(f *os.File, off, limit int64) (*group, error) {
	body, _, err := readChunk(io.NewSectionReader(f, off, limit-off), off, limit)
	if err != nil {
		return nil, err
	}
	return decodeGroup(body)
}

func (u *unit) index(d Digest, off int64) {
	u.latest[d.Name] = off
	if _, ok := u.seen[d]; !ok {
		u.digests = append(u.digests, d)
		u.seen[d] = struct{}{}
	}
}

// refresh reloads the index when the file no longer ends where the index
// does, which is the case after another handle appended to it.
func (u *unit) refresh() error {
	if u.loaded {
		info, err := os.Stat(u.path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if u.end == 0 {
				return nil
			}
		case err != nil:
			return fmt.Errorf("failed to stat unit: %w", err)
		case info.Mode().IsRegular() && info.Size() == u.end:
			return nil
		}
	}
	return u.load()
}

// release unlocks a unit returned by Store.acquire.
func (u *unit) release() {
	if err := u.lock.Unlock(); err != nil {
		u.logger.Warn("Failed to unlock unit", zap.Error(err))
	}
	u.mu.Unlock()
}

// append writes chunk at the end of the valid data and syncs the file. On
// failure the file is cut back so the index stays authoritative.
func (u *unit) append(d Digest, chunk []byte) (err error) {
	f, err := os.OpenFile(u.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open unit: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close unit: %w", cerr)
		}
	}()

	start := u.end
	if err := f.Truncate(start); err != nil {
		return fmt.Errorf("failed to truncate unit: %w", err)
	}
	if start == 0 {
		if err := writeFileHeader(f); err != nil {
			return fmt.Errorf("failed to write unit header: %w", err)
		}
		start = fileHeaderSize
	}

	if _, err := f.WriteAt(chunk, start); err != nil {
		_ = f.Truncate(u.end)
		return fmt.Errorf("failed to write group: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Truncate(u.end)
		return fmt.Errorf("failed to sync unit: %w", err)
	}

	u.index(d, start)
	u.end = start + int64(len(chunk))
	return nil
}

func (u *unit) names() []string {
	names := make([]string, 0, len(u.latest))
	for name := range u.latest {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package segment implements append-only files of length-prefixed,
// CRC-checked frames. Staged records and manifest entries both use it.
//
// Layout:
//
//	header: magic (8 bytes) | version (uint32 LE)
//	frame:  length (uint32 LE) | crc32 IEEE of payload (uint32 LE) | payload
package segment

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

const (
	headerSize      = 12
	frameHeaderSize = 8
	version         = 1

	// MaxFrameSize bounds a single payload.
	MaxFrameSize = 64 << 20
)

// Magic identifies the kind of file.
type Magic [8]byte

var (
	MagicSegment  = Magic{'L', 'S', 'T', 'G', 'S', 'E', 'G', '1'}
	MagicManifest = Magic{'L', 'S', 'T', 'G', 'M', 'A', 'N', '1'}
)

var (
	// ErrCorrupt means a complete frame failed its checksum or the header
	// is wrong. Unlike a torn tail this is not repaired automatically.
	ErrCorrupt = errors.New("segment: corrupt frame")
	// ErrFrameTooLarge is returned when appending an oversized payload.
	ErrFrameTooLarge = errors.New("segment: frame too large")
)

// Writer appends frames to a file.
type Writer struct {
	f     *os.File
	bw    *bufio.Writer
	size  int64
	fsync bool
}

// Create makes a new file at path with the given magic. It fails if the
// file exists.
func Create(path string, magic Magic, fsync bool) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	w := &Writer{f: f, bw: bufio.NewWriter(f), fsync: fsync}
	var hdr [headerSize]byte
	copy(hdr[0:8], magic[:])
	binary.LittleEndian.PutUint32(hdr[8:12], version)
	if _, err := w.bw.Write(hdr[:]); err != nil {
		_ = f.Close()
		return nil, err
	}
	w.size = headerSize
	if err := w.flush(true); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// OpenAppend reopens an existing file for appending after truncating it to
// validSize, as returned by Scan.
func OpenAppend(path string, validSize int64, fsync bool) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(validSize); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(validSize, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, bw: bufio.NewWriter(f), size: validSize, fsync: fsync}, nil
}

// Append writes one frame and returns the number of bytes it occupies on
// disk. The frame is flushed to the OS before Append returns and synced
// when the writer was created with fsync.
func (w *Writer) Append(payload []byte) (int64, error) {
	if len(payload) > MaxFrameSize {
		return 0, ErrFrameTooLarge
	}
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(payload))
	if _, err := w.bw.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := w.bw.Write(payload); err != nil {
		return 0, err
	}
	if err := w.flush(w.fsync); err != nil {
		return 0, err
	}
	n := int64(frameHeaderSize + len(payload))
	w.size += n
	return n, nil
}

func (w *Writer) flush(sync bool) error {
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if sync {
		return w.f.Sync()
	}
	return nil
}

// Sync forces buffered data to stable storage.
func (w *Writer) Sync() error {
	return w.flush(true)
}

// Size is the file length including the header.
func (w *Writer) Size() int64 {
	return w.size
}

// Close syncs and closes the file.
func (w *Writer) Close() error {
	syncErr := w.flush(true)
	closeErr := w.f.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// ScanResult summarizes a Scan.
type ScanResult struct {
	Frames int
	// ValidSize is the offset just past the last complete, valid frame.
	ValidSize int64
	// TornBytes counts trailing bytes of an incomplete final frame.
	TornBytes int64
}

// Scan calls fn for every frame of the file in order. A final frame cut
// short by a crash is reported in TornBytes and not passed to fn. A
// complete frame with a bad checksum stops the scan with ErrCorrupt.
func Scan(path string, magic Magic, fn func(payload []byte) error) (ScanResult, error) {
	var res ScanResult
	f, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return res, err
	}
	total := st.Size()

	r := bufio.NewReader(f)
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			res.TornBytes = total
			return res, nil
		}
		return res, err
	}
	if Magic(hdr[0:8]) != magic {
		return res, fmt.Errorf("%w: bad magic in %s", ErrCorrupt, path)
	}
	if v := binary.LittleEndian.Uint32(hdr[8:12]); v != version {
		return res, fmt.Errorf("%w: unsupported version %d in %s", ErrCorrupt, v, path)
	}
	res.ValidSize = headerSize

	for {
		var fh [frameHeaderSize]byte
		if _, err := io.ReadFull(r, fh[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return res, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				res.TornBytes = total - res.ValidSize
				return res, nil
			}
			return res, err
		}
		length := binary.LittleEndian.Uint32(fh[0:4])
		want := binary.LittleEndian.Uint32(fh[4:8])
		if length > MaxFrameSize {
			if res.ValidSize+frameHeaderSize+int64(length) > total {
				res.TornBytes = total - res.ValidSize
				return res, nil
			}
			return res, fmt.Errorf("%w: frame of %d bytes at offset %d", ErrCorrupt, length, res.ValidSize)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				res.TornBytes = total - res.ValidSize
				return res, nil
			}
			return res, err
		}
		if crc32.ChecksumIEEE(payload) != want {
			if res.ValidSize+frameHeaderSize+int64(length) == total {
				// last frame, partially persisted
				res.TornBytes = total - res.ValidSize
				return res, nil
			}
			return res, fmt.Errorf("%w: checksum mismatch at offset %d", ErrCorrupt, res.ValidSize)
		}
		if err := fn(payload); err != nil {
			return res, err
		}
		res.Frames++
		res.ValidSize += frameHeaderSize + int64(length)
	}
}

// Checksum returns the xxhash64 of the whole file at path.
func Checksum(path string) (uint64, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	h := xxhash.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, 0, err
	}
	return h.Sum64(), n, nil
}

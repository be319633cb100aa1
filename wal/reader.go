package wal

import (
	"bufio"
	"fmt"
	"io"

	"github.com/hupe1980/graphwal/internal/fs"
)

// Reader iterates entries of the log in position order. Recovery is its only
// concurrent-free caller: readers are used before the appender exists or on
// closed segments, so they never observe buffered writes.
type Reader struct {
	store    *SegmentStore
	file     fs.File
	br       *bufio.Reader
	pos      LogPosition
	single   bool
	versions []uint64
}

// NewReader returns a Reader positioned at from, continuing across segment
// boundaries until the end of the log. The caller must Close it.
func (s *SegmentStore) NewReader(from LogPosition) (*Reader, error) {
	versions, err := s.listVersions()
	if err != nil {
		return nil, err
	}
	var remaining []uint64
	for _, v := range versions {
		if v > from.Version {
			remaining = append(remaining, v)
		}
	}

	r := &Reader{store: s, versions: remaining}
	if err := r.open(from); err != nil {
		return nil, err
	}
	return r, nil
}

// NewSegmentReader returns a Reader over a single segment, starting at its
// first entry and yielding io.EOF at the segment's end.
func (s *SegmentStore) NewSegmentReader(version uint64) (*Reader, error) {
	r := &Reader{store: s, single: true}
	if err := r.open(LogPosition{Version: version, Offset: segmentHeaderSize}); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) open(pos LogPosition) error {
	f, err := r.store.OpenSegment(pos.Version)
	if err != nil {
		return fmt.Errorf("open segment %d for reading: %w", pos.Version, err)
	}
	if err := readSegmentHeader(f, pos.Version); err != nil {
		_ = f.Close()
		return err
	}
	if pos.Offset < segmentHeaderSize {
		pos.Offset = segmentHeaderSize
	}
	if _, err := f.Seek(pos.Offset, io.SeekStart); err != nil {
		_ = f.Close()
		return fmt.Errorf("seek segment %d: %w", pos.Version, err)
	}

	r.file = f
	r.br = bufio.NewReader(f)
	r.pos = pos
	return nil
}

// Next returns the next entry and the position of its first byte.
//
// At the end of the log it returns io.EOF. A short read or checksum mismatch
// is returned together with the position of the offending entry; the caller
// decides whether that is a torn tail to truncate or corruption to refuse.
func (r *Reader) Next() (*Entry, LogPosition, error) {
	for {
		start := r.pos
		e, n, err := readEntry(r.br)
		if err == nil {
			r.pos.Offset += n
			return e, start, nil
		}
		if err != io.EOF {
			r.pos.Offset += n
			return nil, start, err
		}

		// Clean end of this segment.
		if r.single || len(r.versions) == 0 {
			return nil, start, io.EOF
		}

		next := r.versions[0]
		r.versions = r.versions[1:]
		if err := r.file.Close(); err != nil {
			return nil, start, err
		}
		r.file, r.br = nil, nil
		if err := r.open(LogPosition{Version: next, Offset: segmentHeaderSize}); err != nil {
			return nil, start, err
		}
	}
}

// Position returns the position of the next entry to be read.
func (r *Reader) Position() LogPosition {
	return r.pos
}

// Close releases the reader's file handle.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hupe1980/graphwal/internal/fs"
)

// StoreOptions contains configuration for the SegmentStore.
type StoreOptions struct {
	// SegmentSize is the rotation threshold: once the active segment
	// reaches this size, the next append rotates to a fresh segment.
	SegmentSize int64
}

// DefaultStoreOptions returns the default segment store options.
func DefaultStoreOptions() StoreOptions {
	return StoreOptions{
		SegmentSize: 256 * 1024 * 1024,
	}
}

// ErrStoreClosed is returned by operations on a closed SegmentStore.
var ErrStoreClosed = errors.New("segment store is closed")

// SegmentStore manages the set of versioned segment files and owns the active
// segment's file handle. No component outside this package may hold a segment
// file handle for writing.
//
// The store's mutex protects the file handle and cursors; the higher-level
// single-writer guarantee (one appender, rotation invisible to in-flight
// appends) is provided by the Appender, which serializes all calls into the
// write path.
type SegmentStore struct {
	fsys fs.FileSystem
	dir  string
	opts StoreOptions

	mu            sync.Mutex
	active        fs.File
	activeVersion uint64
	cw            *countingWriter
	closed        bool
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func (cw *countingWriter) Flush() error { return cw.w.Flush() }

// OpenSegmentStore opens the segment set in dir, creating the directory and
// an initial segment if none exists. The highest-versioned segment becomes
// the active segment, positioned for appending.
func OpenSegmentStore(fsys fs.FileSystem, dir string, optFns ...func(o *StoreOptions)) (*SegmentStore, error) {
	if fsys == nil {
		fsys = fs.Default
	}

	opts := DefaultStoreOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := fsys.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	s := &SegmentStore{fsys: fsys, dir: dir, opts: opts}

	versions, err := s.listVersions()
	if err != nil {
		return nil, err
	}

	if len(versions) == 0 {
		if err := s.createSegment(0); err != nil {
			return nil, err
		}
		return s, nil
	}

	if err := s.openActive(versions[len(versions)-1]); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SegmentStore) listVersions() ([]uint64, error) {
	entries, err := s.fsys.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list log directory: %w", err)
	}
	var versions []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if v, ok := ParseSegmentName(e.Name()); ok {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

func (s *SegmentStore) segmentPath(version uint64) string {
	return filepath.Join(s.dir, SegmentName(version))
}

// createSegment creates a fresh segment file, writes its header and makes it
// the active segment. Caller must hold s.mu or be the only goroutine with
// access (during open/recovery).
func (s *SegmentStore) createSegment(version uint64) error {
	f, err := s.fsys.OpenFile(s.segmentPath(version), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0640)
	if err != nil {
		return fmt.Errorf("create segment %d: %w", version, err)
	}
	if err := writeSegmentHeader(f, version); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync new segment %d: %w", version, err)
	}
	// Make the new file name durable too. Not all platforms support
	// syncing directories; treated as best effort.
	_ = fs.SyncDir(s.fsys, s.dir)

	s.active = f
	s.activeVersion = version
	s.cw = &countingWriter{w: bufio.NewWriter(f), n: segmentHeaderSize}
	return nil
}

// openActive opens an existing segment as the active one, positioned at its
// end. A segment with a torn header (creation crashed between create and
// header sync) is reset to an empty segment.
func (s *SegmentStore) openActive(version uint64) error {
	path := s.segmentPath(version)
	f, err := s.fsys.OpenFile(path, os.O_RDWR, 0640)
	if err != nil {
		return fmt.Errorf("open segment %d: %w", version, err)
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat segment %d: %w", version, err)
	}
	size := st.Size()

	if size < segmentHeaderSize {
		if err := f.Truncate(0); err != nil {
			_ = f.Close()
			return fmt.Errorf("reset torn segment %d: %w", version, err)
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			_ = f.Close()
			return err
		}
		if err := writeSegmentHeader(f, version); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return err
		}
		size = segmentHeaderSize
	} else if err := readSegmentHeader(f, version); err != nil {
		_ = f.Close()
		return err
	}

	if _, err := f.Seek(size, io.SeekStart); err != nil {
		_ = f.Close()
		return fmt.Errorf("seek segment %d end: %w", version, err)
	}

	s.active = f
	s.activeVersion = version
	s.cw = &countingWriter{w: bufio.NewWriter(f), n: size}
	return nil
}

// Position returns the position immediately after the last buffered write to
// the active segment.
func (s *SegmentStore) Position() LogPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return LogPosition{Version: s.activeVersion, Offset: s.cw.n}
}

// ActiveVersion returns the version of the active segment.
func (s *SegmentStore) ActiveVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeVersion
}

// AppendEntry appends e to the active segment and returns the positions of
// the entry's first byte and of the byte after its last.
func (s *SegmentStore) AppendEntry(e *Entry) (start, end LogPosition, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return LogPosition{}, LogPosition{}, ErrStoreClosed
	}

	start = LogPosition{Version: s.activeVersion, Offset: s.cw.n}
	if _, err := writeEntry(s.cw, e); err != nil {
		return LogPosition{}, LogPosition{}, fmt.Errorf("append to segment %d: %w", s.activeVersion, err)
	}
	end = LogPosition{Version: s.activeVersion, Offset: s.cw.n}
	return start, end, nil
}

// Flush pushes buffered writes to the OS.
func (s *SegmentStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.cw.Flush()
}

// SyncActive fsyncs the active segment.
func (s *SegmentStore) SyncActive() error {
	s.mu.Lock()
	f := s.active
	s.mu.Unlock()
	if f == nil {
		return ErrStoreClosed
	}
	return f.Sync()
}

// SyncActiveData flushes the active segment's data to stable storage,
// using a data-only flush where the platform supports it.
//
// The sync runs without the store lock so appends keep flowing, which means
// a rotation can close the captured handle mid-sync. Rotation syncs the
// outgoing segment in full before closing it, so a sync failure against a
// since-rotated segment is stale and reported as success.
func (s *SegmentStore) SyncActiveData() error {
	s.mu.Lock()
	f, version := s.active, s.activeVersion
	s.mu.Unlock()
	if f == nil {
		return ErrStoreClosed
	}

	err := fs.SyncData(f)
	if err == nil {
		return nil
	}

	s.mu.Lock()
	rotated := !s.closed && s.activeVersion != version
	s.mu.Unlock()
	if rotated {
		return nil
	}
	return err
}

// NeedsRotation reports whether appending upcoming more bytes would push the
// active segment past the configured threshold. A segment holding only its
// header never rotates, so an entry larger than the threshold still fits
// somewhere.
func (s *SegmentStore) NeedsRotation(upcoming int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cw.n > segmentHeaderSize && s.cw.n+upcoming > s.opts.SegmentSize
}

// Rotate flushes, fsyncs and closes the active segment, then creates a fresh
// segment with version+1 and redirects subsequent appends to it. Callers
// serialize Rotate with appends (the Appender holds the writer lock), so no
// entry is ever split across a segment boundary.
func (s *SegmentStore) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if err := s.cw.Flush(); err != nil {
		return fmt.Errorf("flush before rotation: %w", err)
	}
	if err := s.active.Sync(); err != nil {
		return fmt.Errorf("sync before rotation: %w", err)
	}
	if err := s.active.Close(); err != nil {
		return fmt.Errorf("close segment %d: %w", s.activeVersion, err)
	}

	return s.createSegment(s.activeVersion + 1)
}

// Segments lists all segment files in version order. The active segment's
// size includes buffered but unflushed bytes.
func (s *SegmentStore) Segments() ([]SegmentInfo, error) {
	versions, err := s.listVersions()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	activeVersion, activeSize := s.activeVersion, int64(0)
	if s.cw != nil {
		activeSize = s.cw.n
	}
	s.mu.Unlock()

	infos := make([]SegmentInfo, 0, len(versions))
	for _, v := range versions {
		path := s.segmentPath(v)
		if v == activeVersion {
			infos = append(infos, SegmentInfo{Version: v, Path: path, Size: activeSize})
			continue
		}
		st, err := s.fsys.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat segment %d: %w", v, err)
		}
		infos = append(infos, SegmentInfo{Version: v, Path: path, Size: st.Size()})
	}
	return infos, nil
}

// LowestVersion returns the lowest segment version still present.
func (s *SegmentStore) LowestVersion() (uint64, error) {
	versions, err := s.listVersions()
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, fmt.Errorf("no segments present")
	}
	return versions[0], nil
}

// OpenSegment opens a segment file read-only. The caller owns the returned
// handle. Used by the recovery reader and the archiver; never for writing.
func (s *SegmentStore) OpenSegment(version uint64) (fs.File, error) {
	return s.fsys.OpenFile(s.segmentPath(version), os.O_RDONLY, 0)
}

// RemoveSegment deletes a closed segment file. Removing the active segment is
// refused.
func (s *SegmentStore) RemoveSegment(version uint64) error {
	s.mu.Lock()
	active := s.activeVersion
	s.mu.Unlock()

	if version == active {
		return fmt.Errorf("segment %d is active and cannot be removed", version)
	}
	if err := s.fsys.Remove(s.segmentPath(version)); err != nil {
		return fmt.Errorf("remove segment %d: %w", version, err)
	}
	_ = fs.SyncDir(s.fsys, s.dir)
	return nil
}

// TruncateTo cuts the log at pos: the segment holding pos is truncated at
// pos.Offset and any higher-versioned segments are removed. Only recovery
// calls this, before the appender exists; segment files are never otherwise
// truncated.
func (s *SegmentStore) TruncateTo(pos LogPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if pos.Offset < segmentHeaderSize {
		return fmt.Errorf("truncate position %s is inside the segment header", pos)
	}

	if err := s.cw.Flush(); err != nil {
		return err
	}
	if err := s.active.Close(); err != nil {
		return fmt.Errorf("close active segment %d: %w", s.activeVersion, err)
	}
	s.active = nil

	versions, err := s.listVersions()
	if err != nil {
		return err
	}
	for _, v := range versions {
		if v > pos.Version {
			if err := s.fsys.Remove(s.segmentPath(v)); err != nil {
				return fmt.Errorf("remove segment %d past truncation point: %w", v, err)
			}
		}
	}

	f, err := s.fsys.OpenFile(s.segmentPath(pos.Version), os.O_RDWR, 0640)
	if err != nil {
		return fmt.Errorf("open segment %d for truncation: %w", pos.Version, err)
	}
	if err := f.Truncate(pos.Offset); err != nil {
		_ = f.Close()
		return fmt.Errorf("truncate segment %d at %d: %w", pos.Version, pos.Offset, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync truncated segment %d: %w", pos.Version, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	_ = fs.SyncDir(s.fsys, s.dir)

	return s.openActive(pos.Version)
}

// Close flushes, fsyncs and releases the active segment's file handle.
func (s *SegmentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.cw.Flush(); err != nil {
		_ = s.active.Close()
		return err
	}
	if err := s.active.Sync(); err != nil {
		_ = s.active.Close()
		return err
	}
	err := s.active.Close()
	s.active = nil
	return err
}

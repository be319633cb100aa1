package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/hupe1980/graphwal/internal/fs"
)

// Segment files are named wal-<version>.log with a zero-padded decimal
// version. Each file starts with a self-describing header:
//
//	[Magic:4 "GWAL"][FormatVersion:2][Reserved:2][SegmentVersion:8]
//
// The embedded segment version guards against renamed or misplaced files.

// SegmentDataOffset is the byte offset of the first entry in a segment,
// immediately after the segment header.
const SegmentDataOffset = segmentHeaderSize

const (
	segmentMagic      = "GWAL"
	segmentFormat     = uint16(1)
	segmentHeaderSize = int64(16)

	segmentPrefix = "wal-"
	segmentSuffix = ".log"
)

var (
	// ErrInvalidSegmentHeader means a segment file had a malformed header.
	ErrIncompatibleFormat   = errors.New("incompatible segment format version")
	ErrInvalidSegmentHeader = errors.New("invalid segment header")
)

// SegmentName returns the file name for a segment version.
func SegmentName(version uint64) string {
	return fmt.Sprintf("%s%010d%s", segmentPrefix, version, segmentSuffix)
}

// ParseSegmentName extracts the version from a segment file name. The second
// return value is false for names that are not segment files.
func ParseSegmentName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	v, err := strconv.ParseUint(name[len(segmentPrefix):len(name)-len(segmentSuffix)], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// SegmentInfo describes one segment file.
type SegmentInfo struct {
	Version uint64
	Path    string
	Size    int64
}

func writeSegmentHeader(f fs.File, version uint64) error {
	header := make([]byte, segmentHeaderSize)
	copy(header[0:4], segmentMagic)
	binary.LittleEndian.PutUint16(header[4:6], segmentFormat)
	binary.LittleEndian.PutUint64(header[8:16], version)
	if _, err := f.Write(header); err != nil {
		return fmt.Errorf("write segment header: %w", err)
	}
	return nil
}

func readSegmentHeader(f fs.File, wantVersion uint64) error {
	header := make([]byte, segmentHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: file shorter than header", ErrInvalidSegmentHeader)
		}
		return fmt.Errorf("read segment header: %w", err)
	}
	if string(header[0:4]) != segmentMagic {
		return fmt.Errorf("%w: bad magic %q", ErrInvalidSegmentHeader, header[0:4])
	}
	if format := binary.LittleEndian.Uint16(header[4:6]); format != segmentFormat {
		return fmt.Errorf("%w: %d (expected %d)", ErrIncompatibleFormat, format, segmentFormat)
	}
	if v := binary.LittleEndian.Uint64(header[8:16]); v != wantVersion {
		return fmt.Errorf("%w: embedded version %d does not match file name version %d",
			ErrInvalidSegmentHeader, v, wantVersion)
	}
	return nil
}

package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// On-disk entry framing:
//
//	[CRC32:4][Type:1][TxID:8][PayloadLen:4][Payload:PayloadLen]
//
// Little-endian throughout. The CRC covers Type..Payload, so a torn write at
// any byte offset is detected either by a short read or a checksum mismatch.

const (
	entryHeaderSize = 4 + 1 + 8 + 4

	// maxEntrySize bounds a single entry. A length prefix beyond this is
	// treated as corruption rather than attempted as an allocation.
	maxEntrySize = 256 * 1024 * 1024
)

var (
	// ErrInvalidCRC means an entry's checksum did not match its contents.
	ErrInvalidCRC = errors.New("invalid log entry checksum")
	// ErrInvalidEntryType means an entry carried an unknown type tag.
	ErrInvalidEntryType = errors.New("invalid log entry type")
	// ErrEntryTooLarge means an entry's length prefix exceeded the sanity
	// bound.
	ErrEntryTooLarge = errors.New("log entry too large")
)

// encodedSize returns the on-disk size of e.
func (e *Entry) encodedSize() int64 {
	return int64(entryHeaderSize + len(e.Payload))
}

// writeEntry writes e to w and returns the number of bytes written.
func writeEntry(w io.Writer, e *Entry) (int64, error) {
	header := make([]byte, entryHeaderSize)
	header[4] = byte(e.Type)
	binary.LittleEndian.PutUint64(header[5:13], e.TxID)
	binary.LittleEndian.PutUint32(header[13:17], uint32(len(e.Payload)))

	crc := crc32.NewIEEE()
	crc.Write(header[4:])
	crc.Write(e.Payload)
	binary.LittleEndian.PutUint32(header[0:4], crc.Sum32())

	if _, err := w.Write(header); err != nil {
		return 0, err
	}
	if len(e.Payload) > 0 {
		if _, err := w.Write(e.Payload); err != nil {
			return 0, err
		}
	}
	return e.encodedSize(), nil
}

// readEntry reads the next entry from r and returns it along with the number
// of bytes consumed.
//
// A clean end of input yields io.EOF with zero consumed bytes. A header or
// payload cut short yields io.ErrUnexpectedEOF. A checksum mismatch yields
// ErrInvalidCRC. Callers decide whether such a failure is an expected torn
// tail or corruption.
func readEntry(r io.Reader) (*Entry, int64, error) {
	header := make([]byte, entryHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, io.EOF
		}
		return nil, 0, io.ErrUnexpectedEOF
	}

	checksum := binary.LittleEndian.Uint32(header[0:4])
	typ := EntryType(header[4])
	txID := binary.LittleEndian.Uint64(header[5:13])
	payloadLen := binary.LittleEndian.Uint32(header[13:17])

	if payloadLen > maxEntrySize {
		return nil, int64(entryHeaderSize), ErrEntryTooLarge
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, int64(entryHeaderSize), io.ErrUnexpectedEOF
	}

	crc := crc32.NewIEEE()
	crc.Write(header[4:])
	crc.Write(payload)
	if crc.Sum32() != checksum {
		return nil, int64(entryHeaderSize) + int64(payloadLen), ErrInvalidCRC
	}

	switch typ {
	case EntryStart, EntryCommand, EntryCommit, EntryCheckpoint:
	default:
		return nil, int64(entryHeaderSize) + int64(payloadLen), ErrInvalidEntryType
	}

	return &Entry{Type: typ, TxID: txID, Payload: payload}, int64(entryHeaderSize) + int64(payloadLen), nil
}

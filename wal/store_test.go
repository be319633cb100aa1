package wal

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, dir string, optFns ...func(o *StoreOptions)) *SegmentStore {
	t.Helper()
	s, err := OpenSegmentStore(nil, dir, optFns...)
	require.NoError(t, err)
	return s
}

func TestSegmentStoreCreatesInitialSegment(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	defer s.Close()

	assert.Equal(t, uint64(0), s.ActiveVersion())
	assert.Equal(t, LogPosition{Version: 0, Offset: segmentHeaderSize}, s.Position())

	infos, err := s.Segments()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, segmentHeaderSize, infos[0].Size)
}

func TestSegmentStoreAppendAndReopen(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	start, end, err := s.AppendEntry(&Entry{Type: EntryStart, TxID: 1})
	require.NoError(t, err)
	assert.Equal(t, LogPosition{Version: 0, Offset: segmentHeaderSize}, start)
	assert.Equal(t, segmentHeaderSize+int64(entryHeaderSize), end.Offset)
	require.NoError(t, s.Close())

	s2 := openTestStore(t, dir)
	defer s2.Close()
	assert.Equal(t, end, s2.Position())

	r, err := s2.NewReader(LogPosition{Version: 0, Offset: segmentHeaderSize})
	require.NoError(t, err)
	defer r.Close()

	e, pos, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, EntryStart, e.Type)
	assert.Equal(t, uint64(1), e.TxID)
	assert.Equal(t, start, pos)

	_, _, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestSegmentStoreRotation(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir, func(o *StoreOptions) { o.SegmentSize = 64 })
	defer s.Close()

	// An empty segment never rotates, no matter the entry size.
	assert.False(t, s.NeedsRotation(1024))

	_, _, err := s.AppendEntry(&Entry{Type: EntryCommand, TxID: 1, Payload: make([]byte, 64)})
	require.NoError(t, err)
	assert.True(t, s.NeedsRotation(int64(entryHeaderSize)))

	require.NoError(t, s.Rotate())
	assert.Equal(t, uint64(1), s.ActiveVersion())
	assert.Equal(t, LogPosition{Version: 1, Offset: segmentHeaderSize}, s.Position())

	infos, err := s.Segments()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, uint64(0), infos[0].Version)
	assert.Equal(t, uint64(1), infos[1].Version)
}

func TestSegmentStoreReaderCrossesSegments(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	defer s.Close()

	_, _, err := s.AppendEntry(&Entry{Type: EntryStart, TxID: 1})
	require.NoError(t, err)
	require.NoError(t, s.Rotate())
	_, _, err = s.AppendEntry(&Entry{Type: EntryStart, TxID: 2})
	require.NoError(t, err)
	require.NoError(t, s.Flush())

	r, err := s.NewReader(LogPosition{Version: 0, Offset: segmentHeaderSize})
	require.NoError(t, err)
	defer r.Close()

	var ids []uint64
	for {
		e, _, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		ids = append(ids, e.TxID)
	}
	assert.Equal(t, []uint64{1, 2}, ids)
}

func TestSegmentStoreRemoveSegment(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	defer s.Close()

	require.NoError(t, s.Rotate())

	// Active segment is protected.
	assert.Error(t, s.RemoveSegment(1))

	require.NoError(t, s.RemoveSegment(0))
	lowest, err := s.LowestVersion()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), lowest)
}

func TestSegmentStoreTruncateTo(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	_, end1, err := s.AppendEntry(&Entry{Type: EntryStart, TxID: 1})
	require.NoError(t, err)
	_, _, err = s.AppendEntry(&Entry{Type: EntryCommand, TxID: 1, Payload: []byte("doomed")})
	require.NoError(t, err)
	require.NoError(t, s.Rotate())
	_, _, err = s.AppendEntry(&Entry{Type: EntryStart, TxID: 2})
	require.NoError(t, err)

	require.NoError(t, s.TruncateTo(end1))
	assert.Equal(t, uint64(0), s.ActiveVersion())
	assert.Equal(t, end1, s.Position())

	infos, err := s.Segments()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, end1.Offset, infos[0].Size)

	// The store keeps appending where the cut left off.
	_, end2, err := s.AppendEntry(&Entry{Type: EntryStart, TxID: 2})
	require.NoError(t, err)
	assert.True(t, end2.After(end1))
	require.NoError(t, s.Close())

	s2 := openTestStore(t, dir)
	defer s2.Close()

	r, err := s2.NewReader(LogPosition{Version: 0, Offset: segmentHeaderSize})
	require.NoError(t, err)
	defer r.Close()

	var ids []uint64
	for {
		e, _, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		ids = append(ids, e.TxID)
	}
	assert.Equal(t, []uint64{1, 2}, ids)
}

func TestSegmentStoreResetsTornHeader(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	require.NoError(t, s.Close())

	// Simulate a crash between segment creation and header sync.
	require.NoError(t, os.Truncate(s.segmentPath(0), 5))

	s2 := openTestStore(t, dir)
	defer s2.Close()
	assert.Equal(t, LogPosition{Version: 0, Offset: segmentHeaderSize}, s2.Position())
}

package wal

import (
	"encoding/binary"
	"fmt"
)

// EntryType identifies the type of a log entry.
type EntryType uint8

const (
	// EntryStart opens a transaction in the log.
	EntryStart EntryType = 1
	// EntryCommand carries an opaque command batch owned by the storage
	// engine.
	EntryCommand EntryType = 2
	// EntryCommit closes a transaction; its payload references the
	// transaction's Start position.
	EntryCommit EntryType = 3
	// EntryCheckpoint marks a recovery anchor; its payload is a
	// CheckpointInfo.
	EntryCheckpoint EntryType = 4
)

func (t EntryType) String() string {
	switch t {
	case EntryStart:
		return "start"
	case EntryCommand:
		return "command"
	case EntryCommit:
		return "commit"
	case EntryCheckpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Entry is a single log entry. TxID is NoTransaction for checkpoint entries.
// Payload is opaque for Command entries; Commit and Checkpoint payloads are
// produced by the encode helpers below.
type Entry struct {
	Type    EntryType
	TxID    uint64
	Payload []byte
}

// CheckpointInfo is the decoded payload of a checkpoint entry.
type CheckpointInfo struct {
	// Position is the recovery anchor: everything before it is durably
	// reflected in the storage engine. It never points past the durable
	// flush cursor at the time the checkpoint was written.
	Position LogPosition

	// LastClosedTxID is the highest transaction id that was committed,
	// durably flushed and applied when the checkpoint was taken.
	LastClosedTxID uint64

	// Reason records what triggered the checkpoint ("scheduler",
	// "database shutdown", ...). Diagnostic only.
	Reason string
}

const commitPayloadSize = 16

// EncodeCommitPayload encodes the Start position referenced by a commit
// entry.
func EncodeCommitPayload(start LogPosition) []byte {
	b := make([]byte, commitPayloadSize)
	binary.LittleEndian.PutUint64(b[0:8], start.Version)
	binary.LittleEndian.PutUint64(b[8:16], uint64(start.Offset))
	return b
}

// DecodeCommitPayload decodes a commit entry payload.
func DecodeCommitPayload(b []byte) (LogPosition, error) {
	if len(b) != commitPayloadSize {
		return LogPosition{}, fmt.Errorf("commit payload: want %d bytes, got %d", commitPayloadSize, len(b))
	}
	return LogPosition{
		Version: binary.LittleEndian.Uint64(b[0:8]),
		Offset:  int64(binary.LittleEndian.Uint64(b[8:16])),
	}, nil
}

// EncodeCheckpointPayload encodes a CheckpointInfo.
func EncodeCheckpointPayload(ci CheckpointInfo) []byte {
	b := make([]byte, 28+len(ci.Reason))
	binary.LittleEndian.PutUint64(b[0:8], ci.Position.Version)
	binary.LittleEndian.PutUint64(b[8:16], uint64(ci.Position.Offset))
	binary.LittleEndian.PutUint64(b[16:24], ci.LastClosedTxID)
	binary.LittleEndian.PutUint32(b[24:28], uint32(len(ci.Reason)))
	copy(b[28:], ci.Reason)
	return b
}

// DecodeCheckpointPayload decodes a checkpoint entry payload.
func DecodeCheckpointPayload(b []byte) (CheckpointInfo, error) {
	if len(b) < 28 {
		return CheckpointInfo{}, fmt.Errorf("checkpoint payload: too short (%d bytes)", len(b))
	}
	reasonLen := binary.LittleEndian.Uint32(b[24:28])
	if int(reasonLen) != len(b)-28 {
		return CheckpointInfo{}, fmt.Errorf("checkpoint payload: reason length %d does not match payload", reasonLen)
	}
	return CheckpointInfo{
		Position: LogPosition{
			Version: binary.LittleEndian.Uint64(b[0:8]),
			Offset:  int64(binary.LittleEndian.Uint64(b[8:16])),
		},
		LastClosedTxID: binary.LittleEndian.Uint64(b[16:24]),
		Reason:         string(b[28:]),
	}, nil
}

package graphwal

import "errors"

var (
	// ErrClosed is returned by operations on a database that was shut
	// down.
	ErrClosed = errors.New("database is closed")

	// ErrTxDone is returned when a transaction handle is used after its
	// Commit or Rollback.
	ErrTxDone = errors.New("transaction already committed or rolled back")

	// ErrEmptyTx is returned by Commit on a transaction that wrote no
	// commands; empty transactions do not consume ids or log space.
	ErrEmptyTx = errors.New("transaction has no commands")
)

// Package wal implements the segmented write-ahead log at the heart of the
// durability core.
//
// The log is a sequence of versioned, append-only segment files. The highest
// version is the active segment, exclusively writable through the single
// Appender; all lower versions are immutable. Every committed transaction is
// recorded as a Start/Command/Commit entry triple written as one logical unit
// under the writer lock, so the order in which commits acquire the lock is the
// commit order, and transaction ids assigned at lock acquisition never go out
// of order relative to log position.
//
// Entries are CRC32-framed so that recovery can detect a torn tail at any
// byte offset and truncate it. Checkpoints are ordinary entries carrying the
// recovery anchor (a log position plus the last closed transaction id).
//
// Durability is configurable: fsync per commit, group commit (a background
// syncer batches fsyncs across concurrent committers), or async (OS page
// cache only).
package wal

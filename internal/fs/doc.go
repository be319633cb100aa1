// Package fs provides filesystem abstractions for testability and fault injection.
//
// The package defines two key interfaces:
//
//   - [File]: Represents an open file with read/write/sync capabilities
//   - [FileSystem]: Abstracts filesystem operations (open, remove, rename, etc.)
//
// # Implementations
//
//   - [LocalFS]: Production implementation using the standard os package
//   - [FaultyFS]: Test utility for fault injection (simulate I/O errors)
//
// Production code should use fs.Default (which is [LocalFS]):
//
//	file, err := fs.Default.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
//
// Tests can inject [FaultyFS] to simulate failures on the append or
// checkpoint path:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("wal-", fs.Fault{FailOnSync: true})
//	// inject ffs into the component under test
//
// # Durability
//
// [SyncData] flushes file data without forcing a metadata flush where the
// platform supports it (fdatasync on Linux), falling back to a full Sync
// elsewhere. The log appender uses it on the commit path; segment close and
// checkpointing use the full Sync.
package fs

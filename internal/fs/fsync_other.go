//go:build !linux

package fs

// SyncData falls back to a full fsync on platforms without fdatasync.
func (f *localFile) SyncData() error {
	return f.File.Sync()
}

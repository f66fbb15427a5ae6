//go:build windows

package store

// syncDir is a no-op: directories cannot be opened for sync on Windows and
// MoveFileEx is already durable once it returns.
func syncDir(string) error { return nil }

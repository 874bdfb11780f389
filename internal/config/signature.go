package config

import "os"

// Signature identifies file content cheaply for hot-reload checks.
// A change in either mtime (nanoseconds) or size invalidates caches.
type Signature struct {
	MtimeNs int64
	Size    int64
}

// Stat returns the signature of path. Missing or unreadable files map to the
// zero signature so "file appeared" is detected as a change.
func Stat(path string) Signature {
	info, err := os.Stat(path)
	if err != nil {
		return Signature{}
	}
	return Signature{MtimeNs: info.ModTime().UnixNano(), Size: info.Size()}
}

//go:build !linux

package disk

import "os"

// prefetchHint is a no-op on platforms without fadvise(2); the
// operation stays advisory-only per spec.md §4.1.
func prefetchHint(f *os.File, offset, length int64) {}

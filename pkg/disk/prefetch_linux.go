//go:build linux

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

// prefetchHint advises the kernel that [offset, offset+length) of f
// will be needed soon, equivalent to posix_fadvise(WILLNEED) (spec.md
// §4.1). Advisory only: a failure here is never surfaced.
func prefetchHint(f *os.File, offset, length int64) {
	_ = unix.Fadvise(int(f.Fd()), offset, length, unix.FADV_WILLNEED)
}

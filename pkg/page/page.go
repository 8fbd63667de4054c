// Package page implements the fixed-size page abstraction (spec.md §4.2):
// an 8192-byte buffer identified by a PageID, with bounds-checked
// reads and writes.
package page

import "errors"

// Size is the fixed size of every page, in bytes.
const Size = 8192

// ID names a page slot in the file. Negative values are invalid; -1 is
// the conventional "no page" sentinel.
type ID int32

// InvalidID is returned in place of a valid page ID when an operation
// has nothing to name.
const InvalidID ID = -1

// Valid reports whether id names a real page slot.
func (id ID) Valid() bool {
	return id >= 0
}

// ErrOutOfBounds is returned by ReadData/WriteData when offset+len
// would run past the end of the page.
var ErrOutOfBounds = errors.New("page: offset+len exceeds page size")

// Page is a fixed-size byte buffer with identity. The zero value has
// ID == InvalidID and all-zero data, matching a default-constructed
// page in spec.md §4.2.
type Page struct {
	id   ID
	data [Size]byte
}

// New returns a fresh, all-zero page with the given id.
func New(id ID) *Page {
	return &Page{id: id}
}

// ID returns the page's identity.
func (p *Page) ID() ID {
	return p.id
}

// SetID reassigns the page's identity.
func (p *Page) SetID(id ID) {
	p.id = id
}

// Data returns the full underlying buffer. Callers must not retain it
// past the page's lifetime (see "Ownership for CachedPage" in spec.md §9).
func (p *Page) Data() []byte {
	return p.data[:]
}

// Reset zeroes the page's data in place, keeping its id.
func (p *Page) Reset() {
	p.data = [Size]byte{}
}

// WriteData copies src into the page at offset, failing if the write
// would run past the end of the page.
func (p *Page) WriteData(offset int, src []byte) error {
	if offset < 0 || offset+len(src) > Size {
		return ErrOutOfBounds
	}
	copy(p.data[offset:], src)
	return nil
}

// ReadData copies len(dst) bytes starting at offset into dst, failing
// if the read would run past the end of the page.
func (p *Page) ReadData(offset int, dst []byte) error {
	if offset < 0 || offset+len(dst) > Size {
		return ErrOutOfBounds
	}
	copy(dst, p.data[offset:])
	return nil
}

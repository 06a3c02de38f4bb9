package nbbs

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/nbbs/memutils"
)

// Arena is a contiguous range of memory that an Allocator can carve blocks out of
type Arena struct {
	data   []byte
	mapped bool
}

// NewArena reserves size bytes of zeroed memory outside the Go heap where the platform allows it.
// The arena must be closed once every allocator created over it is destroyed.
func NewArena(size int) (*Arena, error) {
	if size <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidConfiguration, "arena size is %d", size)
	}

	data, mapped, err := mapArena(size)
	if err != nil {
		return nil, err
	}

	return &Arena{data: data, mapped: mapped}, nil
}

// NewArenaFromBytes wraps memory owned by the caller. Close does not release it.
func NewArenaFromBytes(data []byte) *Arena {
	return &Arena{data: data}
}

// Base returns the address of the first byte of the arena, or 0 for an empty or closed arena
func (a *Arena) Base() uintptr {
	if len(a.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(a.data)))
}

// Size returns the number of bytes in the arena
func (a *Arena) Size() int {
	return len(a.data)
}

// Bytes returns the whole arena
func (a *Arena) Bytes() []byte {
	return a.data
}

// Slice returns the size bytes of the arena that start at address
func (a *Arena) Slice(address uintptr, size int) ([]byte, error) {
	base := a.Base()
	if size < 0 || address < base || address-base > uintptr(len(a.data)) || int(address-base) > len(a.data)-size {
		return nil, errors.Newf("range of %d bytes at %#x is outside the arena", size, address)
	}

	offset := int(address - base)
	return a.data[offset : offset+size : offset+size], nil
}

// Close releases the arena's memory. Any slice or address obtained from it must no longer be used.
func (a *Arena) Close() error {
	if a.data == nil {
		return nil
	}

	data := a.data
	a.data = nil
	if !a.mapped {
		return nil
	}

	return unmapArena(data)
}

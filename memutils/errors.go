package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrInvalidConfiguration is wrapped by every error returned while creating an allocator from bad parameters:
// a zero base address, a zero or undersized arena, or an unsupported block geometry
var ErrInvalidConfiguration error = errors.New("invalid allocator configuration")

// ErrOutOfMemory is returned when no free block large enough for a request exists at the time of the call.
// It is returned without wrapping, so callers may compare against it directly.
var ErrOutOfMemory error = errors.New("out of memory")

// ErrRequestTooLarge is wrapped by the error returned when a request exceeds the largest block
// the allocator is configured to hand out
var ErrRequestTooLarge error = errors.New("requested size exceeds the maximum block size")

package memutils

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uint32 | ~uint64 | ~uintptr
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// Log2Floor returns floor(log2(value)). value must be greater than zero.
func Log2Floor[T Number](value T) int {
	return 63 - bits.LeadingZeros64(uint64(value))
}

// Log2Ceil returns ceil(log2(value)). value must be greater than zero.
func Log2Ceil[T Number](value T) int {
	floor := Log2Floor(value)
	if value&(value-1) != 0 {
		floor++
	}
	return floor
}

// Exp2 returns 2^n
func Exp2(n int) int {
	return 1 << n
}

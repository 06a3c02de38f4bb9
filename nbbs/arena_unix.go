//go:build unix

package nbbs

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

func mapArena(size int) ([]byte, bool, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, false, errors.Wrapf(err, "could not map %d bytes for the arena", size)
	}

	return data, true, nil
}

func unmapArena(data []byte) error {
	err := unix.Munmap(data)
	if errors.Is(err, unix.EINVAL) {
		// Already unmapped
		return nil
	}
	return err
}

//go:build !unix

package nbbs

func mapArena(size int) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func unmapArena(data []byte) error {
	return nil
}

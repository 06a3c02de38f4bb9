package buddy

//go:generate mockgen -source=source.go -destination=mocks/source.go -package=mocks

import "sync/atomic"

// MetadataSource provides the backing storage for a Tree's status cells and address index.
// Every returned cell must be zero. Implementations may refuse, in which case tree creation fails
// with the returned error.
type MetadataSource interface {
	// AllocateTree returns nodeCount zeroed status cells
	AllocateTree(nodeCount int) ([]atomic.Uint32, error)
	// AllocateIndex returns pageCount zeroed address index entries
	AllocateIndex(pageCount int) ([]atomic.Uint32, error)
}

// HeapMetadataSource allocates metadata from the Go heap
type HeapMetadataSource struct{}

var _ MetadataSource = HeapMetadataSource{}

func (HeapMetadataSource) AllocateTree(nodeCount int) ([]atomic.Uint32, error) {
	return make([]atomic.Uint32, nodeCount), nil
}

func (HeapMetadataSource) AllocateIndex(pageCount int) ([]atomic.Uint32, error) {
	return make([]atomic.Uint32, pageCount), nil
}

package buddy

import (
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/nbbs/memutils"
)

const (
	// DefaultMinBlockSize is the page size used when TreeCreateInfo.MinBlockSize is left at zero
	DefaultMinBlockSize = 4096
	// DefaultMaxOrder is the max order used when TreeCreateInfo.MaxOrder is left at zero
	DefaultMaxOrder = 9
	// MaxDepth is the deepest tree supported. Node indices must fit in an address index entry.
	MaxDepth = 30
)

// TreeCreateInfo describes the geometry of a Tree
type TreeCreateInfo struct {
	// Size is the number of bytes in the managed range. Only the largest power-of-two multiple of
	// MinBlockSize that fits is tracked; any tail beyond it is never handed out.
	Size int
	// MinBlockSize is the size of a leaf page and must be a power of two. Defaults to DefaultMinBlockSize.
	MinBlockSize int
	// MaxOrder is the number of doublings from MinBlockSize to the largest block that can be requested.
	// Defaults to DefaultMaxOrder. A negative value means 0. When the range is too small for the
	// requested order, the tree clamps it so that the root is the largest block.
	MaxOrder int
	// MetadataSource provides the status cells and address index. Defaults to HeapMetadataSource.
	MetadataSource MetadataSource
}

// Tree is a non-blocking binary buddy allocator over the offset range [0, Size). It hands out
// offsets, not addresses: mapping offsets onto memory is the consumer's business.
//
// Every node of the complete binary tree is a single atomic status cell (see Status), versioned on
// every write. Node 1 is the root; node i has children 2i and 2i+1. Leaves are MinBlockSize pages.
// Allocation claims a node with a CAS and then publishes the claim on every ancestor down to the
// base level; release marks intent to coalesce on the ancestors, frees the node, and then merges
// upward. No operation takes a lock.
type Tree struct {
	nodes []atomic.Uint32
	index []atomic.Uint32

	size      int
	minSize   int
	minShift  int
	depth     int
	baseLevel int
	maxOrder  int
	maxSize   int

	_pad0        [48]byte
	releaseCount atomic.Uint64
	_pad1        [56]byte
}

// NewTree validates the requested geometry and allocates zeroed metadata for it
func NewTree(info TreeCreateInfo) (*Tree, error) {
	if info.MinBlockSize == 0 {
		info.MinBlockSize = DefaultMinBlockSize
	}
	if info.MaxOrder == 0 {
		info.MaxOrder = DefaultMaxOrder
	} else if info.MaxOrder < 0 {
		info.MaxOrder = 0
	}
	if info.MetadataSource == nil {
		info.MetadataSource = HeapMetadataSource{}
	}

	if info.MinBlockSize < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidConfiguration, "min block size is %d", info.MinBlockSize)
	}
	if err := memutils.CheckPow2(info.MinBlockSize, "min block size"); err != nil {
		return nil, errors.Mark(err, memutils.ErrInvalidConfiguration)
	}
	if info.Size <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidConfiguration, "size is %d", info.Size)
	}
	if info.Size < info.MinBlockSize {
		return nil, errors.Wrapf(memutils.ErrInvalidConfiguration,
			"size %d is smaller than the min block size %d", info.Size, info.MinBlockSize)
	}

	t := &Tree{
		size:     info.Size,
		minSize:  info.MinBlockSize,
		minShift: memutils.Log2Floor(info.MinBlockSize),
	}
	t.depth = memutils.Log2Floor(info.Size / info.MinBlockSize)
	if t.depth > MaxDepth {
		return nil, errors.Wrapf(memutils.ErrInvalidConfiguration,
			"size %d needs a tree of depth %d, the maximum is %d", info.Size, t.depth, MaxDepth)
	}

	t.maxOrder = info.MaxOrder
	if t.maxOrder > t.depth {
		t.maxOrder = t.depth
	}
	t.baseLevel = t.depth - t.maxOrder
	t.maxSize = t.minSize << t.maxOrder

	var err error
	t.nodes, err = info.MetadataSource.AllocateTree(memutils.Exp2(t.depth + 1))
	if err != nil {
		return nil, errors.Wrap(err, "could not allocate tree metadata")
	}
	if len(t.nodes) != memutils.Exp2(t.depth+1) {
		return nil, errors.Newf("metadata source returned %d tree cells, expected %d", len(t.nodes), memutils.Exp2(t.depth+1))
	}

	t.index, err = info.MetadataSource.AllocateIndex(memutils.Exp2(t.depth))
	if err != nil {
		return nil, errors.Wrap(err, "could not allocate index metadata")
	}
	if len(t.index) != memutils.Exp2(t.depth) {
		return nil, errors.Newf("metadata source returned %d index entries, expected %d", len(t.index), memutils.Exp2(t.depth))
	}

	return t, nil
}

func (t *Tree) load(node int) Status {
	return t.loadCell(node).status()
}

func (t *Tree) loadCell(node int) cell {
	return cell(t.nodes[node].Load())
}

// cas stores next into node if the cell is still exactly old
func (t *Tree) cas(node int, old cell, next Status) bool {
	return t.nodes[node].CompareAndSwap(uint32(old), uint32(old.with(next)))
}

func level(node int) int {
	return memutils.Log2Floor(node)
}

// leftmost returns the index of the first leaf covered by node
func (t *Tree) leftmost(node int) int {
	return node << (t.depth - level(node))
}

func (t *Tree) levelBlockSize(level int) int {
	return t.minSize << (t.depth - level)
}

// levelForSize returns the deepest level whose blocks hold size bytes. size must already be
// clamped into [minSize, maxSize].
func (t *Tree) levelForSize(size int) int {
	pages := (size + t.minSize - 1) >> t.minShift
	return t.depth - memutils.Log2Ceil(pages)
}

func (t *Tree) orderLevel(order int) int {
	return t.depth - order
}

// Size returns the size in bytes the tree was created with
func (t *Tree) Size() int { return t.size }

// TreeSize returns the number of bytes used by the status cells
func (t *Tree) TreeSize() int {
	return len(t.nodes) * int(unsafe.Sizeof(atomic.Uint32{}))
}

// IndexSize returns the number of bytes used by the address index
func (t *Tree) IndexSize() int {
	return len(t.index) * int(unsafe.Sizeof(atomic.Uint32{}))
}

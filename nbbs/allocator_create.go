package nbbs

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/nbbs/memutils"
	"github.com/vkngwrapper/nbbs/memutils/buddy"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateZeroMemory instructs the allocator to zero every block before handing it out.
	// Only allocators created with NewFromArena can honor it, since they are the only ones that can
	// reach the memory behind an address.
	AllocatorCreateZeroMemory CreateFlags = 1 << iota
	// AllocatorCreateIgnoreUnreleased instructs Destroy to succeed even when blocks are still live.
	// Unreleased blocks are still logged.
	AllocatorCreateIgnoreUnreleased
)

func init() {
	AllocatorCreateZeroMemory.Register("AllocatorCreateZeroMemory")
	AllocatorCreateIgnoreUnreleased.Register("AllocatorCreateIgnoreUnreleased")
}

const (
	// DefaultMinBlockSize is the min block size used when CreateOptions.MinBlockSize is left at 0
	DefaultMinBlockSize = buddy.DefaultMinBlockSize
	// DefaultMaxOrder is the max order used when CreateOptions.MaxOrder is left at 0
	DefaultMaxOrder = buddy.DefaultMaxOrder
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// MinBlockSize is the size in bytes of the smallest block the allocator hands out. It must be a
	// power of two. Left at 0, it is 4KiB.
	MinBlockSize int
	// MaxOrder is the number of doublings from MinBlockSize to the largest block the allocator hands
	// out. Left at 0, it is 9, so the largest block is 2MiB with the default MinBlockSize.
	MaxOrder int

	// MetadataSource can be used to control where the allocator's bookkeeping lives. Left nil, it
	// is allocated from the Go heap.
	MetadataSource buddy.MetadataSource

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when blocks are
	// handed out or taken back by this allocator
	MemoryCallbackOptions *MemoryCallbackOptions
}

// New creates a new Allocator that hands out addresses in [base, base+size). The allocator never
// touches the memory itself, so the range does not need to be backed by anything the allocator can
// see.
//
// logger - The logger that allocator diagnostics are written to. May be nil.
//
// base - The first address of the managed range. It must not be 0.
//
// size - The number of bytes in the managed range. It must be at least the min block size.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, base uintptr, size int, options CreateOptions) (*Allocator, error) {
	if options.Flags&AllocatorCreateZeroMemory != 0 {
		return nil, errors.Wrap(memutils.ErrInvalidConfiguration,
			"AllocatorCreateZeroMemory requires an allocator created with NewFromArena")
	}

	return newAllocator(logger, base, size, nil, options)
}

// NewFromArena creates a new Allocator that hands out addresses inside arena. The arena must
// outlive the allocator.
func NewFromArena(logger *slog.Logger, arena *Arena, options CreateOptions) (*Allocator, error) {
	if arena == nil {
		return nil, errors.Wrap(memutils.ErrInvalidConfiguration, "arena is nil")
	}

	return newAllocator(logger, arena.Base(), arena.Size(), arena, options)
}

func newAllocator(logger *slog.Logger, base uintptr, size int, arena *Arena, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	logger.Debug("Allocator::New",
		slog.Uint64("Base", uint64(base)),
		slog.Int("Size", size),
		slog.String("Flags", options.Flags.String()),
	)

	if base == 0 {
		return nil, errors.Wrap(memutils.ErrInvalidConfiguration, "base address is 0")
	}

	allocator := &Allocator{
		logger:      logger,
		base:        base,
		size:        size,
		arena:       arena,
		createFlags: options.Flags,
	}

	var err error
	allocator.tree, err = buddy.NewTree(buddy.TreeCreateInfo{
		Size:           size,
		MinBlockSize:   options.MinBlockSize,
		MaxOrder:       options.MaxOrder,
		MetadataSource: options.MetadataSource,
	})
	if err != nil {
		return nil, err
	}

	if uint64(base)+uint64(allocator.tree.TotalMemory()) < uint64(base) {
		return nil, errors.Wrapf(memutils.ErrInvalidConfiguration,
			"range of %d bytes at %#x overflows the address space", size, base)
	}

	allocator.callbacks = memoryCallbacks{
		Callbacks: options.MemoryCallbackOptions,
		Allocator: allocator,
	}

	logger.Debug("  Allocator created",
		slog.Int("MinBlockSize", allocator.tree.MinSize()),
		slog.Int("MaxOrder", allocator.tree.MaxOrder()),
		slog.Int("Depth", allocator.tree.Depth()),
		slog.Int("TreeSize", allocator.tree.TreeSize()),
		slog.Int("IndexSize", allocator.tree.IndexSize()),
		slog.Bool("DebugValidation", memutils.DebugEnabled),
	)

	memutils.DebugValidate(allocator)
	return allocator, nil
}

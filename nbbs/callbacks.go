package nbbs

// AllocateBlockCallback is called after a block has been handed out, with the block's address and its
// size rounded up to the block size
type AllocateBlockCallback func(
	allocator *Allocator,
	address uintptr,
	size int,
	userData interface{},
)

// FreeBlockCallback is called before a block is taken back
type FreeBlockCallback func(
	allocator *Allocator,
	address uintptr,
	size int,
	userData interface{},
)

// MemoryCallbackOptions holds callbacks that observe the blocks an Allocator hands out. The callbacks
// run on the goroutine that called Alloc or Free, possibly concurrently with each other.
type MemoryCallbackOptions struct {
	Allocate AllocateBlockCallback
	Free     FreeBlockCallback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Allocator *Allocator
}

func (c *memoryCallbacks) Allocate(address uintptr, size int) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Allocator, address, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(address uintptr, size int) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Allocator, address, size, c.Callbacks.UserData)
	}
}

package buddy

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/nbbs/memutils"
)

// Alloc claims a free block of at least size bytes and returns its offset. Requests smaller than
// the min block size, including 0, are rounded up to it.
//
// Alloc returns memutils.ErrOutOfMemory, unwrapped, when no block of the needed size is free, and
// an error wrapping memutils.ErrRequestTooLarge without touching the tree when size exceeds MaxSize.
// It never blocks: a lost race moves on to the next candidate, and a fruitless scan is repeated only
// if a release completed while it ran.
func (t *Tree) Alloc(size int) (int, error) {
	if size > t.maxSize {
		return 0, errors.Wrapf(memutils.ErrRequestTooLarge, "requested %d bytes, max block size is %d", size, t.maxSize)
	}
	if size < t.minSize {
		size = t.minSize
	}

	targetLevel := t.levelForSize(size)
	startNode := memutils.Exp2(targetLevel)
	endNode := memutils.Exp2(targetLevel + 1)

	for {
		timestamp := t.releaseCount.Load()

		for node := startNode; node < endNode; node++ {
			if !isFree(t.load(node)) {
				continue
			}

			failedAt := t.tryAlloc(node)
			if failedAt == 0 {
				leaf := t.leftmost(node) - memutils.Exp2(t.depth)
				t.index[leaf].Store(uint32(node))
				return leaf << t.minShift, nil
			}

			// Every node below failedAt is unavailable for now; resume at the first target-level
			// node after its subtree
			span := memutils.Exp2(targetLevel - level(failedAt))
			node = (failedAt+1)*span - 1
		}

		if timestamp == t.releaseCount.Load() {
			return 0, memutils.ErrOutOfMemory
		}
	}
}

// tryAlloc attempts to claim node and publish the claim on its ancestors down to the base level.
// It returns 0 on success. Otherwise it returns the node that blocked the claim: node itself when
// another allocation won it, or the ancestor that is already a granted unit. In the latter case
// the partial claim has been rolled back before returning.
func (t *Tree) tryAlloc(node int) int {
	claimed := t.loadCell(node)
	if claimed.status() != 0 || !t.cas(node, claimed, Busy) {
		return node
	}

	current := node
	for t.baseLevel < level(current) {
		child := current
		current >>= 1

		for {
			currentCell := t.loadCell(current)
			currentVal := currentCell.status()

			// An ancestor granted as a unit owns this whole subtree. It can only be observed here
			// when its claim raced with ours before our marks reached it, so we yield to it. The
			// rollback runs to the base level like any release, since the ancestor may be released
			// and marked again before the rollback gets there.
			if currentVal&Occupied != 0 {
				t.freeNode(node)
				return current
			}

			newVal := cleanCoal(currentVal, child)
			newVal = mark(newVal, child)
			if t.cas(current, currentCell, newVal) {
				break
			}
		}
	}

	return 0
}

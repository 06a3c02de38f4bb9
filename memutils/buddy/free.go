package buddy

// Free releases the block that was handed out at offset. Offsets outside [0, Size), offsets that
// do not start a live block, and blocks that are already free are ignored. Every call that lands
// inside the tracked range counts as a release for the purposes of ReleaseCount.
//
// Free must be called at most once per offset returned by Alloc. A second Free after the same
// range was handed out again releases the new owner's block.
func (t *Tree) Free(offset int) {
	if offset < 0 || offset >= t.size {
		return
	}

	leaf := offset >> t.minShift
	if leaf >= len(t.index) {
		// Tail of a range that is not a power-of-two multiple of the page size
		return
	}

	node := int(t.index[leaf].Load())
	if node != 0 && t.leftmost(node)-len(t.index) == leaf {
		t.freeNode(node)
	}

	t.releaseCount.Add(1)
}

// freeNode releases node and merges it upward, never past the base level. The allocation path also
// uses it to roll back a claim that lost to a granted ancestor; the walks below stop at such an
// ancestor for as long as it stays granted.
func (t *Tree) freeNode(node int) {
	if isFree(t.load(node)) {
		return
	}

	t.announceRelease(node)
	t.vacate(node)

	if level(node) != t.baseLevel {
		t.unmarkAncestors(node)
	}
}

// announceRelease sets the coalescing bit for node's side on each ancestor up to the base level. It
// stops early at an ancestor where the buddy is already announcing, since that release has announced
// further up, and at an ancestor that does not carry this side as occupied.
func (t *Tree) announceRelease(node int) {
	current := node >> 1
	runner := node

	for t.baseLevel < level(runner) {
		var oldVal Status
		for {
			oldCell := t.loadCell(current)
			oldVal = oldCell.status()
			if oldVal&Occupied != 0 || !isOcc(oldVal, runner) {
				return
			}
			if t.cas(current, oldCell, setCoal(oldVal, runner)) {
				break
			}
		}

		if isOccBuddy(oldVal, runner) && isCoalBuddy(oldVal, runner) {
			break
		}

		runner = current
		current >>= 1
	}
}

func (t *Tree) vacate(node int) {
	for {
		old := t.loadCell(node)
		if t.cas(node, old, 0) {
			return
		}
	}
}

// unmarkAncestors clears the occupancy of each side on the path from node upward, once the child on
// that side reads free. A coalescing bit is not enough on its own: claims erase announcements on
// their way up and later releases announce again, so a surviving bit may belong to another release
// while the child is live. The versioned CAS keeps a claim that marks the child between the two
// reads from being merged away.
//
// The walk ends below a granted ancestor or a side another release has merged already. Otherwise it
// ends after the first ancestor whose other half is still occupied.
func (t *Tree) unmarkAncestors(node int) {
	current := node

	for {
		child := current
		current >>= 1

		var newVal Status
		for {
			currentCell := t.loadCell(current)
			currentVal := currentCell.status()
			if currentVal&Occupied != 0 || !isOcc(currentVal, child) {
				return
			}
			if t.load(child) != 0 {
				return
			}

			newVal = unmark(currentVal, child)
			if t.cas(current, currentCell, newVal) {
				break
			}
		}

		if t.baseLevel >= level(current) || isOccBuddy(newVal, child) {
			return
		}
	}
}

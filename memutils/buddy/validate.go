package buddy

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/nbbs/memutils"
)

var _ memutils.Validatable = &Tree{}

// Validate checks the structural invariants of the tree: granted units are disjoint, every granted
// unit is published on its ancestors down to the base level, nothing below a granted unit is live,
// and the address index resolves each unit's first page back to it.
//
// The checks only hold while no Alloc or Free is in flight. Use it from tests or at teardown.
func (t *Tree) Validate() error {
	if t.load(0) != 0 {
		return errors.Errorf("unused node 0 has status %s", t.load(0))
	}

	// Page -> granted node, to catch overlapping grants
	owners := swiss.NewMap[int, int](uint32(64))

	for order := 0; order <= t.maxOrder; order++ {
		lvl := t.orderLevel(order)
		for node := memutils.Exp2(lvl); node < memutils.Exp2(lvl+1); node++ {
			val := t.load(node)
			if val&Occupied == 0 {
				continue
			}

			if val != Busy {
				return errors.Errorf("granted node %d has status %s, expected %s", node, val, Busy)
			}

			err := t.validateGrant(node, owners)
			if err != nil {
				return err
			}
		}
	}

	for lvl := 0; lvl < t.baseLevel; lvl++ {
		for node := memutils.Exp2(lvl); node < memutils.Exp2(lvl+1); node++ {
			if val := t.load(node); val&Occupied != 0 {
				return errors.Errorf("node %d above the base level is granted: %s", node, val)
			}
		}
	}

	for lvl := t.baseLevel; lvl < t.depth; lvl++ {
		for node := memutils.Exp2(lvl); node < memutils.Exp2(lvl+1); node++ {
			val := t.load(node)
			if val&Occupied != 0 {
				continue
			}
			// A release that stopped below a still-occupied buddy may leave its announcement
			// behind on an occupied side, but never on a free one
			if (val&CoalLeft != 0 && val&OccLeft == 0) || (val&CoalRight != 0 && val&OccRight == 0) {
				return errors.Errorf("node %d announces a release on a free side: %s", node, val)
			}
			if val&OccLeft != 0 && t.load(node<<1) == 0 {
				return errors.Errorf("node %d marks its left half occupied, but node %d is free", node, node<<1)
			}
			if val&OccRight != 0 && t.load(node<<1|1) == 0 {
				return errors.Errorf("node %d marks its right half occupied, but node %d is free", node, node<<1|1)
			}
		}
	}

	return nil
}

func (t *Tree) validateGrant(node int, owners *swiss.Map[int, int]) error {
	firstLeaf := t.leftmost(node) - len(t.index)
	pageCount := memutils.Exp2(t.depth - level(node))

	for page := firstLeaf; page < firstLeaf+pageCount; page++ {
		owner, taken := owners.Get(page)
		if taken {
			return errors.Errorf("granted nodes %d and %d both cover page %d", owner, node, page)
		}
		owners.Put(page, node)
	}

	indexed := int(t.index[firstLeaf].Load())
	if indexed != node {
		return errors.Errorf("address index for page %d points to node %d, but node %d is granted there", firstLeaf, indexed, node)
	}

	for child := node; level(child) > t.baseLevel; child >>= 1 {
		parent := child >> 1
		if !isOcc(t.load(parent), child) {
			return errors.Errorf("granted node %d is not published on ancestor %d: %s", node, parent, t.load(parent))
		}
	}

	return t.validateSubtreeFree(node)
}

func (t *Tree) validateSubtreeFree(node int) error {
	if level(node) == t.depth {
		return nil
	}

	for _, child := range []int{node << 1, node<<1 | 1} {
		if val := t.load(child); val != 0 {
			return errors.Errorf("node %d lies under granted node %d but has status %s", child, node, val)
		}
		err := t.validateSubtreeFree(child)
		if err != nil {
			return err
		}
	}

	return nil
}

package buddy

import "strings"

// Status is the state of one tree node. Only the low five bits are used:
//
//	 4          3            2            1          0
//	+----------+------------+------------+----------+----------+
//	| occupied |    left    |   right    |   left   |  right   |
//	|          | coalescing | coalescing | occupied | occupied |
//	+----------+------------+------------+----------+----------+
//
// The zero value means the whole block under the node is free.
type Status uint32

const (
	OccRight  Status = 0x1
	OccLeft   Status = 0x2
	CoalRight Status = 0x4
	CoalLeft  Status = 0x8
	// Occupied marks a node that was granted as an allocation unit
	Occupied Status = 0x10
	// Busy is the value stored into a node when it is granted
	Busy = Occupied | OccLeft | OccRight
)

// A tree cell packs a Status into its low byte and a modification counter into the rest. Every
// successful CAS bumps the counter, so a CAS against a stale read fails even when the status bits
// happen to read the same again.
type cell uint32

const (
	statusMask  cell = 0xff
	versionUnit cell = 0x100
)

func (c cell) status() Status {
	return Status(c & statusMask)
}

// with returns the next version of c holding s
func (c cell) with(s Status) cell {
	return ((c &^ statusMask) + versionUnit) | cell(s)
}

// Node indices are even for left children and odd for right children, so shifting the
// left-hand mask right by child&1 selects the side a child sits on.

func mark(val Status, child int) Status {
	return val | (OccLeft >> (child & 1))
}

func unmark(val Status, child int) Status {
	return val &^ ((OccLeft | CoalLeft) >> (child & 1))
}

func setCoal(val Status, child int) Status {
	return val | (CoalLeft >> (child & 1))
}

func cleanCoal(val Status, child int) Status {
	return val &^ (CoalLeft >> (child & 1))
}

func isOcc(val Status, child int) bool {
	return val&(OccLeft>>(child&1)) != 0
}

func isCoal(val Status, child int) bool {
	return val&(CoalLeft>>(child&1)) != 0
}

func isOccBuddy(val Status, child int) bool {
	return val&(OccRight<<(child&1)) != 0
}

func isCoalBuddy(val Status, child int) bool {
	return val&(CoalRight<<(child&1)) != 0
}

func isFree(val Status) bool {
	return val&Busy == 0
}

var statusBitNames = []struct {
	bit  Status
	name string
}{
	{Occupied, "Occupied"},
	{CoalLeft, "CoalLeft"},
	{CoalRight, "CoalRight"},
	{OccLeft, "OccLeft"},
	{OccRight, "OccRight"},
}

func (s Status) String() string {
	if s == 0 {
		return "Free"
	}

	var names []string
	for _, b := range statusBitNames {
		if s&b.bit != 0 {
			names = append(names, b.name)
		}
	}

	return strings.Join(names, "|")
}

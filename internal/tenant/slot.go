// Package tenant defines the two identity contexts tenantbridge manages.
package tenant

import "fmt"

// Slot identifies one of the two independent tenant identities.
// All storage keys, state machines, and API operations are parameterized
// by Slot; slots never share state.
type Slot string

const (
	// SlotSource is the tenant being migrated from.
	SlotSource Slot = "source"
	// SlotTarget is the tenant being migrated to.
	SlotTarget Slot = "target"
)

// Slots returns both slots in a fixed order.
func Slots() []Slot {
	return []Slot{SlotSource, SlotTarget}
}

// ParseSlot converts a string to a Slot. Returns an error for anything
// other than the two known slot names.
func ParseSlot(s string) (Slot, error) {
	switch Slot(s) {
	case SlotSource:
		return SlotSource, nil
	case SlotTarget:
		return SlotTarget, nil
	default:
		return "", fmt.Errorf("unknown tenant slot %q", s)
	}
}

// String implements fmt.Stringer.
func (s Slot) String() string {
	return string(s)
}

package items

import (
	"fmt"
	"sort"

	"tradepost/internal/protocol"
)

// Stack is a quantity of one item kind. The game-object side of the wire
// boundary; protocol.ItemRef is the wire side.
type Stack struct {
	ItemID   string
	Quantity int
}

// FromWire validates and converts wire refs into stacks. Duplicate item
// ids are merged so a stack list is always normalized.
func FromWire(refs []protocol.ItemRef) ([]Stack, error) {
	byID := map[string]int{}
	for _, r := range refs {
		if r.ItemID == "" {
			return nil, fmt.Errorf("empty item id")
		}
		if r.Quantity <= 0 {
			return nil, fmt.Errorf("item %s: quantity %d", r.ItemID, r.Quantity)
		}
		byID[r.ItemID] += r.Quantity
	}
	return fromMap(byID), nil
}

// ToWire converts stacks back into wire refs.
func ToWire(stacks []Stack) []protocol.ItemRef {
	refs := make([]protocol.ItemRef, 0, len(stacks))
	for _, s := range stacks {
		refs = append(refs, protocol.ItemRef{ItemID: s.ItemID, Quantity: s.Quantity})
	}
	return refs
}

// Merge combines two stack lists into one normalized list.
func Merge(a, b []Stack) []Stack {
	byID := map[string]int{}
	for _, s := range a {
		byID[s.ItemID] += s.Quantity
	}
	for _, s := range b {
		byID[s.ItemID] += s.Quantity
	}
	return fromMap(byID)
}

// Clone returns an independent copy, so snapshots never alias live state.
func Clone(stacks []Stack) []Stack {
	if stacks == nil {
		return nil
	}
	out := make([]Stack, len(stacks))
	copy(out, stacks)
	return out
}

// Contains reports whether have covers every quantity in want.
func Contains(have, want []Stack) bool {
	byID := map[string]int{}
	for _, s := range have {
		byID[s.ItemID] += s.Quantity
	}
	for _, s := range want {
		if byID[s.ItemID] < s.Quantity {
			return false
		}
	}
	return true
}

// Subtract removes b's quantities from a, flooring each kind at zero.
func Subtract(a, b []Stack) []Stack {
	byID := map[string]int{}
	for _, s := range a {
		byID[s.ItemID] += s.Quantity
	}
	for _, s := range b {
		byID[s.ItemID] -= s.Quantity
		if byID[s.ItemID] <= 0 {
			delete(byID, s.ItemID)
		}
	}
	return fromMap(byID)
}

// Total sums quantities across all stacks.
func Total(stacks []Stack) int {
	n := 0
	for _, s := range stacks {
		n += s.Quantity
	}
	return n
}

func fromMap(byID map[string]int) []Stack {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Stack, 0, len(ids))
	for _, id := range ids {
		out = append(out, Stack{ItemID: id, Quantity: byID[id]})
	}
	return out
}

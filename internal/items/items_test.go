package items

import (
	"testing"

	"tradepost/internal/protocol"
)

func TestFromWire_MergesAndSorts(t *testing.T) {
	stacks, err := FromWire([]protocol.ItemRef{
		{ItemID: "WOOD", Quantity: 3},
		{ItemID: "STONE", Quantity: 2},
		{ItemID: "WOOD", Quantity: 2},
	})
	if err != nil {
		t.Fatalf("FromWire: %v", err)
	}
	if len(stacks) != 2 {
		t.Fatalf("len=%d want 2", len(stacks))
	}
	if stacks[0].ItemID != "STONE" || stacks[0].Quantity != 2 {
		t.Fatalf("stacks[0]=%+v want STONE x2", stacks[0])
	}
	if stacks[1].ItemID != "WOOD" || stacks[1].Quantity != 5 {
		t.Fatalf("stacks[1]=%+v want WOOD x5", stacks[1])
	}
}

func TestFromWire_RejectsBadRefs(t *testing.T) {
	if _, err := FromWire([]protocol.ItemRef{{ItemID: "", Quantity: 1}}); err == nil {
		t.Fatalf("expected error for empty item id")
	}
	if _, err := FromWire([]protocol.ItemRef{{ItemID: "WOOD", Quantity: 0}}); err == nil {
		t.Fatalf("expected error for zero quantity")
	}
	if _, err := FromWire([]protocol.ItemRef{{ItemID: "WOOD", Quantity: -4}}); err == nil {
		t.Fatalf("expected error for negative quantity")
	}
}

func TestMergeAndTotal(t *testing.T) {
	merged := Merge(
		[]Stack{{ItemID: "WOOD", Quantity: 1}},
		[]Stack{{ItemID: "WOOD", Quantity: 2}, {ItemID: "IRON", Quantity: 4}},
	)
	if Total(merged) != 7 {
		t.Fatalf("total=%d want 7", Total(merged))
	}
	if len(merged) != 2 {
		t.Fatalf("len=%d want 2", len(merged))
	}
}

func TestContains(t *testing.T) {
	have := []Stack{{ItemID: "WOOD", Quantity: 5}, {ItemID: "STONE", Quantity: 2}}
	if !Contains(have, []Stack{{ItemID: "WOOD", Quantity: 5}}) {
		t.Fatalf("exact quantity not contained")
	}
	if !Contains(have, nil) {
		t.Fatalf("empty want not contained")
	}
	if Contains(have, []Stack{{ItemID: "WOOD", Quantity: 6}}) {
		t.Fatalf("excess quantity contained")
	}
	if Contains(have, []Stack{{ItemID: "IRON", Quantity: 1}}) {
		t.Fatalf("absent kind contained")
	}
}

func TestSubtract_FloorsAtZero(t *testing.T) {
	got := Subtract(
		[]Stack{{ItemID: "WOOD", Quantity: 5}, {ItemID: "STONE", Quantity: 2}},
		[]Stack{{ItemID: "WOOD", Quantity: 3}, {ItemID: "STONE", Quantity: 9}},
	)
	if len(got) != 1 || got[0].ItemID != "WOOD" || got[0].Quantity != 2 {
		t.Fatalf("got=%v want WOOD x2", got)
	}
}

func TestClone_Independent(t *testing.T) {
	orig := []Stack{{ItemID: "WOOD", Quantity: 1}}
	cp := Clone(orig)
	cp[0].Quantity = 99
	if orig[0].Quantity != 1 {
		t.Fatalf("clone aliases original")
	}
	if Clone(nil) != nil {
		t.Fatalf("Clone(nil) should be nil")
	}
}

package domain

import (
	"fmt"
	"sort"
)

// Placement is an item's slot inside a sibling group.
type Placement struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId"`
	Position int    `json:"position"`
}

// Plan is the outcome of reconciling a single-group operation: the final
// position of the target and the writes needed to get there.
type Plan struct {
	Position int
	Writes   []Placement
}

// TransferPlan reconciles a move between two groups.
type TransferPlan struct {
	Position int
	// Source closes the gap left behind; Dest opens the slot and places the item.
	Source []Placement
	Dest   []Placement
}

// Clamp pins an untrusted position into [lo, hi].
func Clamp(p, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if p < lo {
		return lo
	}
	if p > hi {
		return hi
	}
	return p
}

// PlanInsert opens a slot for a new item. A nil position appends to the tail,
// which never shifts siblings; otherwise every sibling at or after the clamped
// position moves down by one.
func PlanInsert(group []Placement, position *int) Plan {
	sorted := sortedPlacements(group)
	n := len(sorted)
	p := n
	if position != nil {
		p = Clamp(*position, 0, n)
	}
	var writes []Placement
	for i, pl := range sorted {
		want := i
		if i >= p {
			want = i + 1
		}
		if pl.Position != want {
			writes = append(writes, Placement{ID: pl.ID, ParentID: pl.ParentID, Position: want})
		}
	}
	return Plan{Position: p, Writes: writes}
}

// PlanMove reorders an item inside its own group. Only items between the old
// and new slot are rewritten.
func PlanMove(group []Placement, id string, newPos int) (Plan, error) {
	sorted := sortedPlacements(group)
	idx := indexOf(sorted, id)
	if idx < 0 {
		return Plan{}, fmt.Errorf("%w: item %s not in group", ErrNotFound, id)
	}
	p := Clamp(newPos, 0, len(sorted)-1)
	order := make([]Placement, 0, len(sorted))
	order = append(order, sorted[:idx]...)
	order = append(order, sorted[idx+1:]...)
	order = insertAt(order, p, sorted[idx])
	return Plan{Position: p, Writes: renumber(order)}, nil
}

// PlanRemove closes the gap left by a deleted item.
func PlanRemove(group []Placement, id string) ([]Placement, error) {
	sorted := sortedPlacements(group)
	idx := indexOf(sorted, id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: item %s not in group", ErrNotFound, id)
	}
	order := make([]Placement, 0, len(sorted)-1)
	order = append(order, sorted[:idx]...)
	order = append(order, sorted[idx+1:]...)
	return renumber(order), nil
}

// PlanTransfer moves an item from src into the dest group: a remove from the
// source composed with an insert into the destination. A nil position appends.
func PlanTransfer(src, dst []Placement, id string, dest GroupKey, position *int) (TransferPlan, error) {
	sorted := sortedPlacements(src)
	idx := indexOf(sorted, id)
	if idx < 0 {
		return TransferPlan{}, fmt.Errorf("%w: item %s not in source group", ErrNotFound, id)
	}
	if indexOf(dst, id) >= 0 {
		return TransferPlan{}, fmt.Errorf("%w: item %s already in destination", ErrInvalidMove, id)
	}
	source, err := PlanRemove(sorted, id)
	if err != nil {
		return TransferPlan{}, err
	}
	ins := PlanInsert(dst, position)
	writes := append(ins.Writes, Placement{ID: id, ParentID: dest.ParentID, Position: ins.Position})
	return TransferPlan{Position: ins.Position, Source: source, Dest: writes}, nil
}

// Compact renumbers a group to 0..n-1 keeping the relative order. Ties are
// broken by id so the result is deterministic.
func Compact(group []Placement) []Placement {
	return renumber(sortedPlacements(group))
}

// Contiguous reports whether the group positions are exactly 0..n-1.
func Contiguous(group []Placement) bool {
	seen := make([]bool, len(group))
	for _, pl := range group {
		if pl.Position < 0 || pl.Position >= len(group) || seen[pl.Position] {
			return false
		}
		seen[pl.Position] = true
	}
	return true
}

func sortedPlacements(group []Placement) []Placement {
	out := append([]Placement(nil), group...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position == out[j].Position {
			return out[i].ID < out[j].ID
		}
		return out[i].Position < out[j].Position
	})
	return out
}

func indexOf(group []Placement, id string) int {
	for i, pl := range group {
		if pl.ID == id {
			return i
		}
	}
	return -1
}

func insertAt(order []Placement, p int, pl Placement) []Placement {
	order = append(order, Placement{})
	copy(order[p+1:], order[p:])
	order[p] = pl
	return order
}

// renumber emits a write for every item whose slot in order differs from its
// stored position.
func renumber(order []Placement) []Placement {
	var writes []Placement
	for i, pl := range order {
		if pl.Position != i {
			writes = append(writes, Placement{ID: pl.ID, ParentID: pl.ParentID, Position: i})
		}
	}
	return writes
}

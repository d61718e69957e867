package domain

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
)

func group(ids ...string) []Placement {
	out := make([]Placement, len(ids))
	for i, id := range ids {
		out[i] = Placement{ID: id, ParentID: "g", Position: i}
	}
	return out
}

func apply(group []Placement, writes []Placement) []Placement {
	out := append([]Placement(nil), group...)
	for _, w := range writes {
		found := false
		for i := range out {
			if out[i].ID == w.ID {
				out[i].Position = w.Position
				out[i].ParentID = w.ParentID
				found = true
			}
		}
		if !found {
			out = append(out, w)
		}
	}
	return out
}

func order(group []Placement) []string {
	sorted := sortedPlacements(group)
	out := make([]string, len(sorted))
	for i, pl := range sorted {
		out[i] = pl.ID
	}
	return out
}

func assertOrder(t *testing.T, g []Placement, want ...string) {
	t.Helper()
	if !Contiguous(g) {
		t.Fatalf("group not contiguous: %+v", g)
	}
	got := order(g)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func intp(v int) *int { return &v }

func TestReconcilerScenario(t *testing.T) {
	g := group("A", "B", "C")

	plan, err := PlanMove(g, "C", 0)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	g = apply(g, plan.Writes)
	assertOrder(t, g, "C", "A", "B")

	ins := PlanInsert(g, intp(1))
	g = apply(g, ins.Writes)
	g = append(g, Placement{ID: "D", ParentID: "g", Position: ins.Position})
	assertOrder(t, g, "C", "D", "A", "B")

	gap, err := PlanRemove(g, "A")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	var rest []Placement
	for _, pl := range g {
		if pl.ID != "A" {
			rest = append(rest, pl)
		}
	}
	assertOrder(t, apply(rest, gap), "C", "D", "B")
}

func TestPlanInsertTailDoesNotShift(t *testing.T) {
	plan := PlanInsert(group("A", "B"), nil)
	if plan.Position != 2 || len(plan.Writes) != 0 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if plan := PlanInsert(nil, nil); plan.Position != 0 {
		t.Fatalf("empty group insert position = %d", plan.Position)
	}
}

func TestPlanInsertClampsPosition(t *testing.T) {
	for _, tc := range []struct {
		pos  int
		want int
	}{{-5, 0}, {0, 0}, {2, 2}, {99, 3}} {
		plan := PlanInsert(group("A", "B", "C"), intp(tc.pos))
		if plan.Position != tc.want {
			t.Fatalf("insert at %d landed at %d, want %d", tc.pos, plan.Position, tc.want)
		}
	}
}

func TestPlanMoveNoOp(t *testing.T) {
	plan, err := PlanMove(group("A", "B", "C"), "B", 1)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if len(plan.Writes) != 0 || plan.Position != 1 {
		t.Fatalf("expected no-op, got %+v", plan)
	}
	plan, err = PlanMove(group("A"), "A", 7)
	if err != nil || len(plan.Writes) != 0 {
		t.Fatalf("moving the only item must be a no-op: %+v %v", plan, err)
	}
}

func TestPlanMoveSpanMinimality(t *testing.T) {
	ids := []string{"i0", "i1", "i2", "i3", "i4", "i5", "i6", "i7", "i8", "i9"}
	plan, err := PlanMove(group(ids...), "i3", 5)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if len(plan.Writes) != 3 {
		t.Fatalf("expected 3 writes, got %+v", plan.Writes)
	}
	touched := map[string]int{}
	for _, w := range plan.Writes {
		touched[w.ID] = w.Position
	}
	want := map[string]int{"i3": 5, "i4": 3, "i5": 4}
	for id, pos := range want {
		if touched[id] != pos {
			t.Fatalf("%s moved to %d, want %d", id, touched[id], pos)
		}
	}
}

func TestPlanMoveBackwardShiftsUp(t *testing.T) {
	g := group("A", "B", "C", "D")
	plan, err := PlanMove(g, "D", 1)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if len(plan.Writes) != 3 {
		t.Fatalf("expected 3 writes, got %+v", plan.Writes)
	}
	assertOrder(t, apply(g, plan.Writes), "A", "D", "B", "C")
}

func TestPlanMoveClampsBeyondTail(t *testing.T) {
	g := group("A", "B", "C")
	plan, err := PlanMove(g, "A", 42)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if plan.Position != 2 {
		t.Fatalf("position = %d, want 2", plan.Position)
	}
	assertOrder(t, apply(g, plan.Writes), "B", "C", "A")
}

func TestPlanMoveUnknownItem(t *testing.T) {
	if _, err := PlanMove(group("A"), "Z", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := PlanRemove(group("A"), "Z"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPlanTransferConservesCardinality(t *testing.T) {
	src := group("A", "B", "C")
	dst := []Placement{{ID: "X", ParentID: "h", Position: 0}, {ID: "Y", ParentID: "h", Position: 1}}
	dest := GroupKey{Kind: KindTask, ParentID: "h"}

	plan, err := PlanTransfer(src, dst, "B", dest, intp(1))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if plan.Position != 1 {
		t.Fatalf("position = %d, want 1", plan.Position)
	}

	var left []Placement
	for _, pl := range src {
		if pl.ID != "B" {
			left = append(left, pl)
		}
	}
	left = apply(left, plan.Source)
	assertOrder(t, left, "A", "C")

	right := apply(dst, plan.Dest)
	assertOrder(t, right, "X", "B", "Y")
	for _, pl := range right {
		if pl.ParentID != "h" {
			t.Fatalf("%s has parent %s", pl.ID, pl.ParentID)
		}
	}
}

func TestPlanTransferDefaultsToTail(t *testing.T) {
	plan, err := PlanTransfer(group("A"), nil, "A", GroupKey{Kind: KindTask, ParentID: "h"}, nil)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if plan.Position != 0 || len(plan.Dest) != 1 || len(plan.Source) != 0 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
}

func TestCompactRepairsGaps(t *testing.T) {
	g := []Placement{{ID: "A", Position: 3}, {ID: "B", Position: 7}, {ID: "C", Position: 0}}
	assertOrder(t, apply(g, Compact(g)), "C", "A", "B")
	if len(Compact(group("A", "B"))) != 0 {
		t.Fatal("compacting a healthy group must not write")
	}
}

func TestRandomOperationsKeepContiguity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	g := []Placement{}
	next := 0
	for step := 0; step < 2000; step++ {
		switch op := rng.Intn(3); {
		case op == 0 || len(g) == 0:
			var pos *int
			if rng.Intn(2) == 0 {
				pos = intp(rng.Intn(len(g)+5) - 2)
			}
			plan := PlanInsert(g, pos)
			g = apply(g, plan.Writes)
			g = append(g, Placement{ID: fmt.Sprintf("n%d", next), ParentID: "g", Position: plan.Position})
			next++
		case op == 1:
			id := g[rng.Intn(len(g))].ID
			plan, err := PlanMove(g, id, rng.Intn(len(g)+4)-2)
			if err != nil {
				t.Fatalf("move: %v", err)
			}
			g = apply(g, plan.Writes)
		default:
			id := g[rng.Intn(len(g))].ID
			gap, err := PlanRemove(g, id)
			if err != nil {
				t.Fatalf("remove: %v", err)
			}
			var rest []Placement
			for _, pl := range g {
				if pl.ID != id {
					rest = append(rest, pl)
				}
			}
			g = apply(rest, gap)
		}
		if !Contiguous(g) {
			t.Fatalf("step %d broke contiguity: %+v", step, g)
		}
	}
}

func TestGroupKeyRoundTrip(t *testing.T) {
	key := GroupKey{Kind: KindTask, ParentID: "s1"}
	got, err := ParseGroupKey(key.String())
	if err != nil || got != key {
		t.Fatalf("parse %q: %+v %v", key.String(), got, err)
	}
	if _, err := ParseGroupKey("bogus:x"); !errors.Is(err, ErrInvalidItem) {
		t.Fatalf("expected invalid item, got %v", err)
	}
}

func TestListFilterFingerprint(t *testing.T) {
	a := ListFilter{Status: " Done ", Limit: 10}
	b := ListFilter{Status: "done", Limit: 10}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("equivalent filters must share a fingerprint")
	}
	if a.Fingerprint() == (ListFilter{Status: "done", Limit: 20}).Fingerprint() {
		t.Fatal("different filters must not share a fingerprint")
	}
}

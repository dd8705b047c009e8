package anchor

import (
	"testing"

	"redline/api/internal/crdt"
)

func TestInsertBeforeShiftsBothBounds(t *testing.T) {
	r := Apply(Range{Start: 10, End: 20}, []crdt.Edit{{Offset: 0, Inserted: 5}})
	if r.Start != 15 || r.End != 25 || r.Lost {
		t.Fatalf("got %+v, want [15,25]", r)
	}
}

func TestDeleteBeforeShiftsBothBounds(t *testing.T) {
	r := Apply(Range{Start: 10, End: 20}, []crdt.Edit{{Offset: 2, Deleted: 3}})
	if r.Start != 7 || r.End != 17 || r.Lost {
		t.Fatalf("got %+v, want [7,17]", r)
	}
}

func TestEditAfterIsIgnored(t *testing.T) {
	r := Apply(Range{Start: 10, End: 20}, []crdt.Edit{
		{Offset: 20, Inserted: 4},
		{Offset: 30, Deleted: 2},
	})
	if r.Start != 10 || r.End != 20 || r.Lost {
		t.Fatalf("got %+v, want [10,20]", r)
	}
}

func TestInsertInsideGrowsSelection(t *testing.T) {
	r := Apply(Range{Start: 10, End: 20}, []crdt.Edit{{Offset: 15, Inserted: 3}})
	if r.Start != 10 || r.End != 23 {
		t.Fatalf("got %+v, want [10,23]", r)
	}
}

func TestDeleteInsideShrinksSelection(t *testing.T) {
	r := Apply(Range{Start: 10, End: 20}, []crdt.Edit{{Offset: 12, Deleted: 4}})
	if r.Start != 10 || r.End != 16 {
		t.Fatalf("got %+v, want [10,16]", r)
	}
}

func TestSpanningDeleteOrphans(t *testing.T) {
	r := Apply(Range{Start: 10, End: 20}, []crdt.Edit{{Offset: 5, Deleted: 20}})
	if !r.Lost {
		t.Fatalf("anchor should be orphaned, got %+v", r)
	}
}

func TestLostAnchorStaysLost(t *testing.T) {
	r := Apply(Range{Start: 10, End: 20, Lost: true}, []crdt.Edit{{Offset: 0, Inserted: 5}})
	if !r.Lost || r.Start != 10 {
		t.Fatalf("lost anchor must not remap, got %+v", r)
	}
}

func TestPartialOverlapLeadingBoundary(t *testing.T) {
	// Delete [5,15) against selection [10,20): five selected chars go, Start
	// clamps to the edit boundary.
	r := Apply(Range{Start: 10, End: 20}, []crdt.Edit{{Offset: 5, Deleted: 10}})
	if r.Start != 5 || r.End != 10 || r.Lost {
		t.Fatalf("got %+v, want [5,10]", r)
	}
	if r.Start > r.End {
		t.Fatalf("invariant violated: %+v", r)
	}
}

func TestPartialOverlapTrailingBoundary(t *testing.T) {
	// Delete [15,25) against selection [10,20): End clamps to the edit start.
	r := Apply(Range{Start: 10, End: 20}, []crdt.Edit{{Offset: 15, Deleted: 10}})
	if r.Start != 10 || r.End != 15 || r.Lost {
		t.Fatalf("got %+v, want [10,15]", r)
	}
}

func TestWholeDocumentReplacementOrphans(t *testing.T) {
	// A content replacement arrives as single-character deletions at offset
	// zero followed by reinserts, the stream Doc.Replace produces. Every
	// anchor in the old text must come back lost, never relocated into the
	// new text.
	var edits []crdt.Edit
	for i := 0; i < 30; i++ {
		edits = append(edits, crdt.Edit{Offset: 0, Deleted: 1})
	}
	for i := 0; i < 12; i++ {
		edits = append(edits, crdt.Edit{Offset: i, Inserted: 1})
	}

	for _, r := range []Range{
		{Start: 10, End: 20},
		{Start: 0, End: 30},
		{Start: 5, End: 5},
	} {
		got := Apply(r, edits)
		if !got.Lost {
			t.Fatalf("anchor %+v survived replacement as %+v", r, got)
		}
	}
}

func TestSequenceAppliesInOrder(t *testing.T) {
	// Insert 5 at 0, then delete one char inside the shifted range.
	r := Apply(Range{Start: 10, End: 20}, []crdt.Edit{
		{Offset: 0, Inserted: 5},
		{Offset: 16, Deleted: 1},
	})
	if r.Start != 15 || r.End != 24 {
		t.Fatalf("got %+v, want [15,24]", r)
	}
}

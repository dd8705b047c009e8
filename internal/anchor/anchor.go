// Package anchor keeps comment-thread text ranges valid while the draft
// mutates underneath them.
package anchor

import "redline/api/internal/crdt"

// Range is a thread's selection in current plaintext offsets. Lost marks an
// orphaned anchor whose selected text was deleted entirely; clients surface
// it as "anchor unavailable" rather than relocating the thread.
type Range struct {
	Start int
	End   int
	Lost  bool
}

// Apply remaps r through a sequence of plaintext edits, in the order they
// were applied to the replica. A lost anchor never comes back.
func Apply(r Range, edits []crdt.Edit) Range {
	for _, e := range edits {
		r = applyOne(r, e)
		if r.Lost {
			return r
		}
	}
	return r
}

func applyOne(r Range, e crdt.Edit) Range {
	net := e.Inserted - e.Deleted
	editEnd := e.Offset + e.Deleted

	switch {
	// Deletion spanning the whole selection orphans the anchor.
	case e.Deleted > 0 && e.Offset <= r.Start && editEnd >= r.End:
		r.Lost = true

	// Edit entirely before the selection shifts both bounds.
	case editEnd <= r.Start:
		r.Start += net
		r.End += net

	// Edit entirely after the selection leaves it alone.
	case e.Offset >= r.End:

	// Edit inside the selection grows or shrinks it.
	case e.Offset >= r.Start && editEnd <= r.End:
		r.End += net

	// Deletion overlapping the leading boundary clamps Start to the edit.
	case e.Offset < r.Start && editEnd < r.End:
		r.Start = e.Offset + e.Inserted
		r.End += net

	// Deletion overlapping the trailing boundary clamps End to the edit.
	default:
		r.End = e.Offset + e.Inserted
	}

	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}

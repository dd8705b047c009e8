// Package crdt implements the replicated sequence type backing live drafts.
// Characters carry dense positions, so concurrent inserts commute and every
// replica that has applied the same set of deltas renders the same text.
package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"sort"
)

// ID identifies a single operation: the site that produced it and that
// site's operation counter at the time.
type ID struct {
	Site  uint32
	Clock uint64
}

func (a ID) less(b ID) bool {
	if a.Site != b.Site {
		return a.Site < b.Site
	}
	return a.Clock < b.Clock
}

// Ident is one level of a dense position. The site component keeps
// concurrently allocated positions distinct without coordination.
type Ident struct {
	Digit uint32
	Site  uint32
}

// Position orders characters. Comparison is lexicographic over idents; a
// position that is a strict prefix of another sorts first.
type Position []Ident

const digitBase = uint32(1) << 16

func comparePositions(a, b Position) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i].Digit != b[i].Digit {
			if a[i].Digit < b[i].Digit {
				return -1
			}
			return 1
		}
		if a[i].Site != b[i].Site {
			if a[i].Site < b[i].Site {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// positionBetween allocates a fresh position strictly between left and
// right for the given site. Nil bounds mean the start or end of the
// document.
func positionBetween(left, right Position, site uint32) Position {
	var out Position
	for level := 0; ; level++ {
		lo := Ident{Digit: 0}
		if level < len(left) {
			lo = left[level]
		}
		hi := Ident{Digit: digitBase}
		if level < len(right) {
			hi = right[level]
		}
		if hi.Digit-lo.Digit > 1 {
			out = append(out, Ident{Digit: lo.Digit + (hi.Digit-lo.Digit)/2, Site: site})
			return out
		}
		out = append(out, lo)
	}
}

// OpKind discriminates delta operations.
type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpDelete
)

// Op is a single replayable change. Inserts carry their own position, so
// they apply in any order; deletes reference the insert they tombstone.
type Op struct {
	Kind OpKind
	ID   ID
	Ref  ID // delete target
	Pos  Position
	Ch   rune
}

// Delta is a batch of operations from one author, replayable as-is on any
// replica.
type Delta struct {
	Author string
	Ops    []Op
}

// StateVector summarises the highest operation clock applied per site.
type StateVector map[uint32]uint64

// Edit reports the plaintext effect of one applied operation, in the order
// operations took effect. Anchor tracking consumes these.
type Edit struct {
	Offset   int
	Inserted int
	Deleted  int
}

type item struct {
	id      ID
	pos     Position
	ch      rune
	deleted bool
}

// Doc is one replica of a draft. It is not safe for concurrent use; the
// owning session serialises access.
type Doc struct {
	site    uint32
	clock   uint64
	items   []*item // ordered by position
	byID    map[ID]*item
	applied map[ID]struct{}
	log     map[uint32][]Op // per-site applied ops, clock order
	sv      StateVector
	pending []Op // deletes whose target has not arrived yet
}

// NewDoc creates an empty replica with a random site id.
func NewDoc() *Doc {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return newDocWithSite(binary.BigEndian.Uint32(buf[:]))
}

func newDocWithSite(site uint32) *Doc {
	return &Doc{
		site:    site,
		byID:    make(map[ID]*item),
		applied: make(map[ID]struct{}),
		log:     make(map[uint32][]Op),
		sv:      make(StateVector),
	}
}

// Site returns this replica's site id.
func (d *Doc) Site() uint32 { return d.site }

func (d *Doc) nextID() ID {
	d.clock++
	return ID{Site: d.site, Clock: d.clock}
}

// StateVector returns a copy of the replica's high-water marks.
func (d *Doc) StateVector() StateVector {
	out := make(StateVector, len(d.sv))
	for site, clock := range d.sv {
		out[site] = clock
	}
	return out
}

// PlainText renders the visible character sequence.
func (d *Doc) PlainText() string {
	runes := make([]rune, 0, len(d.items))
	for _, it := range d.items {
		if !it.deleted {
			runes = append(runes, it.ch)
		}
	}
	return string(runes)
}

// Len returns the visible character count.
func (d *Doc) Len() int {
	n := 0
	for _, it := range d.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

// visibleIndex maps a plaintext offset to an index into items. offset ==
// Len() maps to len(items).
func (d *Doc) visibleIndex(offset int) int {
	seen := 0
	for i, it := range d.items {
		if seen == offset && !it.deleted {
			return i
		}
		if !it.deleted {
			seen++
		}
	}
	return len(d.items)
}

func (d *Doc) visibleOffsetOf(idx int) int {
	off := 0
	for i := 0; i < idx; i++ {
		if !d.items[i].deleted {
			off++
		}
	}
	return off
}

// insertionIndex finds where an item with the given position and id sorts.
func (d *Doc) insertionIndex(pos Position, id ID) int {
	return sort.Search(len(d.items), func(i int) bool {
		c := comparePositions(d.items[i].pos, pos)
		if c != 0 {
			return c > 0
		}
		return id.less(d.items[i].id)
	})
}

// InsertAt applies a local insertion at the visible offset and returns the
// delta to broadcast.
func (d *Doc) InsertAt(author string, offset int, text string) Delta {
	delta := Delta{Author: author}
	for _, ch := range text {
		idx := d.visibleIndex(offset)
		var left, right Position
		if idx > 0 {
			left = d.items[idx-1].pos
		}
		if idx < len(d.items) {
			right = d.items[idx].pos
		}
		op := Op{
			Kind: OpInsert,
			ID:   d.nextID(),
			Pos:  positionBetween(left, right, d.site),
			Ch:   ch,
		}
		d.applyOp(op)
		delta.Ops = append(delta.Ops, op)
		offset++
	}
	return delta
}

// DeleteRange applies a local deletion of length visible characters at the
// given offset and returns the delta to broadcast.
func (d *Doc) DeleteRange(author string, offset, length int) Delta {
	delta := Delta{Author: author}
	for n := 0; n < length; n++ {
		idx := d.visibleIndex(offset)
		if idx >= len(d.items) {
			break
		}
		op := Op{
			Kind: OpDelete,
			ID:   d.nextID(),
			Ref:  d.items[idx].id,
		}
		d.applyOp(op)
		delta.Ops = append(delta.Ops, op)
	}
	return delta
}

// Replace swaps the whole visible content for text, expressed as ordinary
// delete and insert operations so remote replicas converge on the result.
// The returned edits describe the local plaintext effect op by op, the same
// stream a remote replica would get from ApplyDelta, so anchor tracking
// sees a replacement exactly like any other delta.
func (d *Doc) Replace(author string, text string) (Delta, []Edit) {
	delta := d.DeleteRange(author, 0, d.Len())
	edits := make([]Edit, 0, len(delta.Ops))
	for range delta.Ops {
		edits = append(edits, Edit{Offset: 0, Deleted: 1})
	}
	ins := d.InsertAt(author, 0, text)
	delta.Ops = append(delta.Ops, ins.Ops...)
	for i := range ins.Ops {
		edits = append(edits, Edit{Offset: i, Inserted: 1})
	}
	return delta, edits
}

// ApplyDelta merges a remote delta. Already-applied operations are skipped,
// so replay is idempotent. The returned edits describe the plaintext effect
// in application order.
func (d *Doc) ApplyDelta(delta Delta) []Edit {
	var edits []Edit
	for _, op := range delta.Ops {
		if e, ok := d.applyOp(op); ok {
			edits = append(edits, e)
		}
	}
	edits = append(edits, d.drainPending()...)
	return edits
}

// applyOp integrates one operation. It returns the visible edit and whether
// the operation took effect now.
func (d *Doc) applyOp(op Op) (Edit, bool) {
	if _, done := d.applied[op.ID]; done {
		return Edit{}, false
	}
	switch op.Kind {
	case OpInsert:
		idx := d.insertionIndex(op.Pos, op.ID)
		it := &item{id: op.ID, pos: op.Pos, ch: op.Ch}
		d.items = append(d.items, nil)
		copy(d.items[idx+1:], d.items[idx:])
		d.items[idx] = it
		d.byID[op.ID] = it
		d.record(op)
		return Edit{Offset: d.visibleOffsetOf(idx), Inserted: 1}, true
	case OpDelete:
		target, ok := d.byID[op.Ref]
		if !ok {
			// Target insert has not arrived; hold the delete until it does.
			d.pending = append(d.pending, op)
			return Edit{}, false
		}
		d.record(op)
		if target.deleted {
			return Edit{}, false
		}
		idx := d.insertionIndex(target.pos, target.id)
		off := d.visibleOffsetOf(idx)
		target.deleted = true
		return Edit{Offset: off, Deleted: 1}, true
	}
	return Edit{}, false
}

func (d *Doc) drainPending() []Edit {
	var edits []Edit
	for {
		pending := d.pending
		d.pending = nil
		progressed := false
		for _, op := range pending {
			if _, ok := d.byID[op.Ref]; !ok {
				d.pending = append(d.pending, op)
				continue
			}
			if e, applied := d.applyOp(op); applied {
				edits = append(edits, e)
			}
			progressed = true
		}
		if !progressed || len(d.pending) == 0 {
			return edits
		}
	}
}

func (d *Doc) record(op Op) {
	d.applied[op.ID] = struct{}{}
	d.log[op.ID.Site] = append(d.log[op.ID.Site], op)
	if op.ID.Clock > d.sv[op.ID.Site] {
		d.sv[op.ID.Site] = op.ID.Clock
	}
	if op.ID.Site == d.site && op.ID.Clock > d.clock {
		d.clock = op.ID.Clock
	}
}

// DeltaSince computes the minimal delta bringing a peer with the given
// state vector up to parity. Operations the vector already covers are never
// re-sent.
func (d *Doc) DeltaSince(remote StateVector) Delta {
	var delta Delta
	for site, ops := range d.log {
		seen := remote[site]
		for _, op := range ops {
			if op.ID.Clock > seen {
				delta.Ops = append(delta.Ops, op)
			}
		}
	}
	// Deterministic order: inserts resolve before the deletes that
	// reference them on the receiving side regardless, but a stable order
	// keeps payloads reproducible.
	sort.Slice(delta.Ops, func(i, j int) bool {
		return delta.Ops[i].ID.less(delta.Ops[j].ID)
	})
	return delta
}

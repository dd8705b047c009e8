package crdt

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

// ErrMalformedState is returned when a persisted or transmitted blob cannot
// be decoded. Callers surface it rather than resetting the replica, since
// discarding history silently would lose edits.
var ErrMalformedState = errors.New("malformed replica state")

type wireItem struct {
	ID      ID
	Pos     Position
	Ch      rune
	Deleted bool
}

type wireState struct {
	Items []wireItem
	Log   map[uint32][]Op
}

// EncodeState serialises the full replica state as a single binary blob.
func (d *Doc) EncodeState() ([]byte, error) {
	state := wireState{Log: d.log}
	for _, it := range d.items {
		state.Items = append(state.Items, wireItem{ID: it.id, Pos: it.pos, Ch: it.ch, Deleted: it.deleted})
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return buf.Bytes(), nil
}

// OpenState reconstructs a replica from a persisted blob. A nil or empty
// blob yields a fresh empty replica; anything else that fails to decode is
// ErrMalformedState.
func OpenState(blob []byte) (*Doc, error) {
	doc := NewDoc()
	if len(blob) == 0 {
		return doc, nil
	}
	var state wireState
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&state); err != nil {
		return nil, ErrMalformedState
	}
	for _, wi := range state.Items {
		it := &item{id: wi.ID, pos: wi.Pos, ch: wi.Ch, deleted: wi.Deleted}
		doc.items = append(doc.items, it)
		doc.byID[wi.ID] = it
	}
	for site, ops := range state.Log {
		doc.log[site] = ops
		for _, op := range ops {
			doc.applied[op.ID] = struct{}{}
			if op.ID.Clock > doc.sv[site] {
				doc.sv[site] = op.ID.Clock
			}
		}
	}
	return doc, nil
}

// EncodeDelta serialises a delta for the wire.
func EncodeDelta(delta Delta) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(delta); err != nil {
		return nil, fmt.Errorf("encode delta: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeDelta parses a wire delta.
func DecodeDelta(raw []byte) (Delta, error) {
	var delta Delta
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&delta); err != nil {
		return Delta{}, fmt.Errorf("decode delta: %w", ErrMalformedState)
	}
	return delta, nil
}

// EncodeStateVector serialises a state vector for the connect handshake.
func EncodeStateVector(sv StateVector) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(sv); err != nil {
		return nil, fmt.Errorf("encode state vector: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeStateVector parses a wire state vector. An empty payload is a valid
// empty vector (a brand-new client).
func DecodeStateVector(raw []byte) (StateVector, error) {
	if len(raw) == 0 {
		return StateVector{}, nil
	}
	var sv StateVector
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&sv); err != nil {
		return nil, fmt.Errorf("decode state vector: %w", ErrMalformedState)
	}
	if sv == nil {
		sv = StateVector{}
	}
	return sv, nil
}

package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"redline/api/internal/crdt"
)

type fakePersister struct {
	mu    sync.Mutex
	blob  []byte
	text  string
	saves int
}

func (f *fakePersister) LoadDraftState(ctx context.Context, draftID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blob, nil
}

func (f *fakePersister) SaveDraftState(ctx context.Context, draftID string, blob []byte, plainText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blob = blob
	f.text = plainText
	f.saves++
	return nil
}

func (f *fakePersister) savedText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text
}

type fakeAnchorSink struct {
	mu    sync.Mutex
	edits []crdt.Edit
}

func (f *fakeAnchorSink) ApplyEdits(ctx context.Context, draftID string, edits []crdt.Edit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, edits...)
}

func (f *fakeAnchorSink) all() []crdt.Edit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crdt.Edit(nil), f.edits...)
}

func startTestSession(t *testing.T) (*Session, *fakePersister, *fakeAnchorSink) {
	t.Helper()
	persister := &fakePersister{}
	anchors := &fakeAnchorSink{}
	s := newSession("draft-1", crdt.NewDoc(), persister, anchors, nil, Options{
		SaveDebounce:    10 * time.Millisecond,
		IdleGrace:       time.Hour,
		PresenceTimeout: time.Hour,
	}, nil)
	go s.Run(context.Background())
	t.Cleanup(s.Stop)
	return s, persister, anchors
}

func testClient(userID string) *Client {
	return NewClient("conn-"+userID, userID, userID, "#123456", nil, nil)
}

func recvFrame(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case frame := <-c.send:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame delivered to %s", c.ID)
		return nil
	}
}

func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case frame := <-c.send:
		t.Fatalf("unexpected frame for %s: tag 0x%02x", c.ID, frame[0])
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSyncAndBroadcast(t *testing.T) {
	s, _, _ := startTestSession(t)

	a := testClient("ada")
	b := testClient("ben")
	s.Join(a)
	s.Join(b)

	local := crdt.NewDoc()
	delta := local.InsertAt("ada", 0, "hello")
	raw, err := crdt.EncodeDelta(delta)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame := encodeFrame(FrameDelta, raw)
	s.HandleFrame(a, frame)

	// The other member receives the identical raw frame; the sender does not.
	got := recvFrame(t, b)
	if string(got) != string(frame) {
		t.Fatalf("rebroadcast frame was recomputed")
	}
	assertNoFrame(t, a)

	text, _, err := s.SnapshotView()
	if err != nil {
		t.Fatalf("snapshot view: %v", err)
	}
	if text != "hello" {
		t.Fatalf("session text %q", text)
	}

	// A catching-up peer with an empty vector gets everything.
	c := testClient("cam")
	s.Join(c)
	s.HandleFrame(c, encodeFrame(FrameStateVector, nil))
	reply := recvFrame(t, c)
	tag, payload, err := decodeFrame(reply)
	if err != nil || tag != FrameDelta {
		t.Fatalf("expected delta reply, got tag 0x%02x err %v", tag, err)
	}
	syncDelta, err := crdt.DecodeDelta(payload)
	if err != nil {
		t.Fatalf("decode sync delta: %v", err)
	}
	peer := crdt.NewDoc()
	peer.ApplyDelta(syncDelta)
	if peer.PlainText() != "hello" {
		t.Fatalf("peer synced to %q", peer.PlainText())
	}
}

func TestStateVectorReplyIsMinimal(t *testing.T) {
	s, _, _ := startTestSession(t)

	local := crdt.NewDoc()
	first := local.InsertAt("ada", 0, "abc")
	second := local.InsertAt("ada", 3, "def")

	a := testClient("ada")
	s.Join(a)
	for _, d := range []crdt.Delta{first, second} {
		raw, _ := crdt.EncodeDelta(d)
		s.HandleFrame(a, encodeFrame(FrameDelta, raw))
	}

	// Peer already has the first delta.
	peer := crdt.NewDoc()
	peer.ApplyDelta(first)
	vector := peer.StateVector()

	b := testClient("ben")
	s.Join(b)
	encodedVector, _ := crdt.EncodeStateVector(vector)
	s.HandleFrame(b, encodeFrame(FrameStateVector, encodedVector))

	reply := recvFrame(t, b)
	_, payload, _ := decodeFrame(reply)
	delta, err := crdt.DecodeDelta(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, op := range delta.Ops {
		if op.ID.Clock <= vector[op.ID.Site] {
			t.Fatalf("sync delta re-sent op %+v already covered by the client vector", op.ID)
		}
	}
	peer.ApplyDelta(delta)
	if peer.PlainText() != "abcdef" {
		t.Fatalf("peer converged to %q", peer.PlainText())
	}
}

func TestMalformedDeltaIsRejectedWithoutDisruption(t *testing.T) {
	s, _, _ := startTestSession(t)

	a := testClient("ada")
	b := testClient("ben")
	s.Join(a)
	s.Join(b)

	s.HandleFrame(a, encodeFrame(FrameDelta, []byte("garbage")))
	assertNoFrame(t, b)

	// The session keeps serving good traffic afterwards.
	local := crdt.NewDoc()
	raw, _ := crdt.EncodeDelta(local.InsertAt("ada", 0, "ok"))
	s.HandleFrame(a, encodeFrame(FrameDelta, raw))
	recvFrame(t, b)

	text, _, err := s.SnapshotView()
	if err != nil {
		t.Fatalf("snapshot view: %v", err)
	}
	if text != "ok" {
		t.Fatalf("session text %q after bad delta", text)
	}
}

func TestAwarenessFanoutAndLatestWins(t *testing.T) {
	s, _, _ := startTestSession(t)

	a := testClient("ada")
	b := testClient("ben")
	s.Join(a)
	s.Join(b)

	cursor := 7
	payload, _ := json.Marshal(PresenceEntry{UserID: "ada", DisplayColor: "#f00", CursorOffset: &cursor})
	s.HandleFrame(a, encodeFrame(FrameAwareness, payload))

	frame := recvFrame(t, b)
	tag, body, _ := decodeFrame(frame)
	if tag != FrameAwareness {
		t.Fatalf("expected awareness frame, got 0x%02x", tag)
	}
	var entry PresenceEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if entry.UserID != "ada" || entry.CursorOffset == nil || *entry.CursorOffset != 7 {
		t.Fatalf("unexpected presence %+v", entry)
	}
	assertNoFrame(t, a)

	// A later joiner sees the current presence immediately.
	c := testClient("cam")
	s.Join(c)
	frame = recvFrame(t, c)
	tag, _, _ = decodeFrame(frame)
	if tag != FrameAwareness {
		t.Fatalf("late joiner got tag 0x%02x", tag)
	}
}

func TestLeaveBroadcastsPresenceRemoval(t *testing.T) {
	s, _, _ := startTestSession(t)

	a := testClient("ada")
	b := testClient("ben")
	s.Join(a)
	s.Join(b)

	payload, _ := json.Marshal(PresenceEntry{UserID: "ada"})
	s.HandleFrame(a, encodeFrame(FrameAwareness, payload))
	recvFrame(t, b)

	s.Leave(a)
	frame := recvFrame(t, b)
	_, body, _ := decodeFrame(frame)
	var entry PresenceEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.UserID != "ada" || !entry.Left {
		t.Fatalf("expected leave marker, got %+v", entry)
	}
}

func TestAnchorSinkReceivesEditsInOrder(t *testing.T) {
	s, _, anchors := startTestSession(t)

	a := testClient("ada")
	s.Join(a)

	local := crdt.NewDoc()
	raw, _ := crdt.EncodeDelta(local.InsertAt("ada", 0, "abc"))
	s.HandleFrame(a, encodeFrame(FrameDelta, raw))
	raw, _ = crdt.EncodeDelta(local.DeleteRange("ada", 1, 1))
	s.HandleFrame(a, encodeFrame(FrameDelta, raw))

	if _, _, err := s.SnapshotView(); err != nil { // barrier
		t.Fatalf("snapshot view: %v", err)
	}
	edits := anchors.all()
	if len(edits) != 4 {
		t.Fatalf("expected 4 edits (3 inserts + 1 delete), got %d: %+v", len(edits), edits)
	}
	last := edits[len(edits)-1]
	if last.Deleted != 1 || last.Offset != 1 {
		t.Fatalf("unexpected final edit %+v", last)
	}
}

func TestContributorsAccumulateAndDrain(t *testing.T) {
	s, _, _ := startTestSession(t)

	a := testClient("ada")
	s.Join(a)
	local := crdt.NewDoc()
	raw, _ := crdt.EncodeDelta(local.InsertAt("ada", 0, "x"))
	s.HandleFrame(a, encodeFrame(FrameDelta, raw))
	raw, _ = crdt.EncodeDelta(local.InsertAt("ben", 1, "y"))
	s.HandleFrame(a, encodeFrame(FrameDelta, raw))

	_, contributors, err := s.SnapshotView()
	if err != nil {
		t.Fatalf("snapshot view: %v", err)
	}
	if len(contributors) != 2 || contributors[0] != "ada" || contributors[1] != "ben" {
		t.Fatalf("contributors %v", contributors)
	}

	// Drained: the next snapshot starts from an empty set.
	_, contributors, err = s.SnapshotView()
	if err != nil {
		t.Fatalf("snapshot view: %v", err)
	}
	if len(contributors) != 0 {
		t.Fatalf("contributor set not drained: %v", contributors)
	}
}

func TestStopFlushesReplica(t *testing.T) {
	persister := &fakePersister{}
	s := newSession("draft-1", crdt.NewDoc(), persister, nil, nil, Options{
		SaveDebounce:    time.Hour, // never fires on its own
		IdleGrace:       time.Hour,
		PresenceTimeout: time.Hour,
	}, nil)
	go s.Run(context.Background())

	a := testClient("ada")
	s.Join(a)
	local := crdt.NewDoc()
	raw, _ := crdt.EncodeDelta(local.InsertAt("ada", 0, "durable"))
	s.HandleFrame(a, encodeFrame(FrameDelta, raw))

	s.Stop()
	if persister.savedText() != "durable" {
		t.Fatalf("teardown did not flush state, saved %q", persister.savedText())
	}
}

func TestReplaceBroadcastsAndPersists(t *testing.T) {
	s, persister, _ := startTestSession(t)

	a := testClient("ada")
	s.Join(a)
	local := crdt.NewDoc()
	raw, _ := crdt.EncodeDelta(local.InsertAt("ada", 0, "old text"))
	s.HandleFrame(a, encodeFrame(FrameDelta, raw))

	if err := s.Replace("restorer", "restored"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if persister.savedText() != "restored" {
		t.Fatalf("replace persisted %q", persister.savedText())
	}

	// The connected editor converges by applying the broadcast delta.
	frame := recvFrame(t, a)
	tag, payload, _ := decodeFrame(frame)
	if tag != FrameDelta {
		t.Fatalf("expected delta frame, got 0x%02x", tag)
	}
	delta, err := crdt.DecodeDelta(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	local.ApplyDelta(delta)
	if local.PlainText() != "restored" {
		t.Fatalf("editor converged to %q", local.PlainText())
	}
}

func TestReplaceReportsEditsToAnchorSink(t *testing.T) {
	s, _, anchors := startTestSession(t)

	a := testClient("ada")
	s.Join(a)
	local := crdt.NewDoc()
	raw, _ := crdt.EncodeDelta(local.InsertAt("ada", 0, "old text"))
	s.HandleFrame(a, encodeFrame(FrameDelta, raw))

	// Replace is synchronous and the actor handles events in order, so by
	// the time it returns the sink has seen the delta and the replacement.
	if err := s.Replace("restorer", "new"); err != nil {
		t.Fatalf("replace: %v", err)
	}

	all := anchors.all()
	if len(all) <= len("old text") {
		t.Fatalf("anchor sink saw %d edits, replacement never reported", len(all))
	}

	// The replacement reaches the sink like any other delta: one deletion
	// per removed character, then one insertion per restored character.
	edits := all[len("old text"):]
	want := len("old text") + len("new")
	if len(edits) != want {
		t.Fatalf("expected %d replacement edits, got %d", want, len(edits))
	}
	deleted, inserted := 0, 0
	for _, e := range edits {
		deleted += e.Deleted
		inserted += e.Inserted
	}
	if deleted != len("old text") || inserted != len("new") {
		t.Fatalf("replacement edits deleted %d inserted %d", deleted, inserted)
	}
}

func TestRequeuedContributorsSurviveDrain(t *testing.T) {
	s, _, _ := startTestSession(t)

	if err := s.Replace("ada", "draft body"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	_, contributors, err := s.SnapshotView()
	if err != nil {
		t.Fatalf("snapshot view: %v", err)
	}
	if len(contributors) != 1 || contributors[0] != "ada" {
		t.Fatalf("drained contributors %v", contributors)
	}

	// A failed snapshot write hands the drained set back for the retry.
	s.RequeueContributors(contributors)
	_, retry, err := s.SnapshotView()
	if err != nil {
		t.Fatalf("snapshot view: %v", err)
	}
	if len(retry) != 1 || retry[0] != "ada" {
		t.Fatalf("requeued contributors lost, got %v", retry)
	}
}

func TestJoinAfterTeardownClosesClient(t *testing.T) {
	persister := &fakePersister{}
	s := newSession("draft-1", crdt.NewDoc(), persister, nil, nil, Options{
		SaveDebounce:    time.Hour,
		IdleGrace:       time.Hour,
		PresenceTimeout: time.Hour,
	}, nil)
	go s.Run(context.Background())
	s.Stop()
	<-s.Done()

	a := testClient("ada")
	s.Join(a)
	select {
	case _, ok := <-a.send:
		if ok {
			t.Fatal("expected closed send channel, got a frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late joiner's send channel was never closed")
	}
}

func TestIdleTeardownPersistsAndSignalsDone(t *testing.T) {
	persister := &fakePersister{}
	removed := make(chan string, 1)
	s := newSession("draft-1", crdt.NewDoc(), persister, nil, nil, Options{
		SaveDebounce:    time.Hour,
		IdleGrace:       20 * time.Millisecond,
		PresenceTimeout: time.Hour,
	}, func(draftID string) { removed <- draftID })
	go s.Run(context.Background())

	a := testClient("ada")
	s.Join(a)
	local := crdt.NewDoc()
	raw, _ := crdt.EncodeDelta(local.InsertAt("ada", 0, "bye"))
	s.HandleFrame(a, encodeFrame(FrameDelta, raw))
	s.Leave(a)

	select {
	case id := <-removed:
		if id != "draft-1" {
			t.Fatalf("removed %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle session was not torn down")
	}
	<-s.Done()
	if persister.savedText() != "bye" {
		t.Fatalf("idle teardown lost state, saved %q", persister.savedText())
	}
}

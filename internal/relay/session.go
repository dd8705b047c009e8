package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"time"

	"redline/api/internal/crdt"
)

// Persister is the durable side of a session: the replica blob plus the
// derived plaintext cache.
type Persister interface {
	LoadDraftState(ctx context.Context, draftID string) ([]byte, error)
	SaveDraftState(ctx context.Context, draftID string, blob []byte, plainText string) error
}

// AnchorSink receives the plaintext edits of every applied delta, in
// replica apply order, so comment anchors can be remapped.
type AnchorSink interface {
	ApplyEdits(ctx context.Context, draftID string, edits []crdt.Edit)
}

// Options tunes a session's timers.
type Options struct {
	SaveDebounce    time.Duration
	IdleGrace       time.Duration
	PresenceTimeout time.Duration
}

type sessionEvent interface{ isSessionEvent() }

type evJoin struct{ c *Client }
type evLeave struct{ c *Client }
type evFrame struct {
	c    *Client
	data []byte
}
type evRemote struct{ frame []byte }
type evReplace struct {
	author string
	text   string
	done   chan error
}
type evSnapshot struct {
	done chan snapshotView
}
type evRequeue struct{ authors []string }
type evStop struct{ done chan struct{} }

func (evJoin) isSessionEvent()     {}
func (evLeave) isSessionEvent()    {}
func (evFrame) isSessionEvent()    {}
func (evRemote) isSessionEvent()   {}
func (evReplace) isSessionEvent()  {}
func (evSnapshot) isSessionEvent() {}
func (evRequeue) isSessionEvent()  {}
func (evStop) isSessionEvent()     {}

type snapshotView struct {
	plainText    string
	contributors []string
}

// Session is the single-writer actor for one draft. All delta application,
// persistence scheduling, presence, and anchor remapping for the draft run
// on its goroutine; concurrency exists only across drafts.
type Session struct {
	DraftID string

	doc       *crdt.Doc
	persister Persister
	anchors   AnchorSink
	fanout    *Fanout
	opts      Options

	inbox    chan sessionEvent
	clients  map[*Client]struct{}
	presence map[string]PresenceEntry
	authors  map[string]struct{}
	dirty    bool

	onIdle      func(draftID string)
	done        chan struct{}
	stopFanout  func()
	saveTimer   *time.Timer
	idleTimer   *time.Timer
	presenceGC  *time.Ticker
	stoppedOnce bool
}

func newSession(draftID string, doc *crdt.Doc, persister Persister, anchors AnchorSink, fanout *Fanout, opts Options, onIdle func(string)) *Session {
	if opts.SaveDebounce <= 0 {
		opts.SaveDebounce = 1500 * time.Millisecond
	}
	if opts.IdleGrace <= 0 {
		opts.IdleGrace = 30 * time.Second
	}
	if opts.PresenceTimeout <= 0 {
		opts.PresenceTimeout = 45 * time.Second
	}
	return &Session{
		DraftID:   draftID,
		doc:       doc,
		persister: persister,
		anchors:   anchors,
		fanout:    fanout,
		opts:      opts,
		inbox:     make(chan sessionEvent, 64),
		clients:   make(map[*Client]struct{}),
		presence:  make(map[string]PresenceEntry),
		authors:   make(map[string]struct{}),
		onIdle:    onIdle,
		done:      make(chan struct{}),
	}
}

// Done is closed once the session has torn down and must not be reused.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Join, Leave and HandleFrame are fire-and-forget; a send racing the
// session's teardown is dropped rather than blocking the caller.
//
// Join closes the client's send channel itself when it loses that race, so
// the write pump always terminates. An enqueued join that the actor never
// saw is picked up by the teardown drain; the re-check after the send
// covers an enqueue that lands after the drain already ran.
func (s *Session) Join(c *Client) {
	select {
	case s.inbox <- evJoin{c: c}:
		select {
		case <-s.done:
			c.closeSend()
		default:
		}
	case <-s.done:
		c.closeSend()
	}
}

func (s *Session) Leave(c *Client) {
	select {
	case s.inbox <- evLeave{c: c}:
	case <-s.done:
	}
}

func (s *Session) HandleFrame(c *Client, data []byte) {
	select {
	case s.inbox <- evFrame{c: c, data: data}:
	case <-s.done:
	}
}

// ErrSessionClosed reports a request against a session that has already
// torn down; callers fall back to the persisted state.
var ErrSessionClosed = errors.New("session closed")

// Replace swaps the live content for text as a CRDT replacement delta and
// broadcasts it, so connected editors converge on the restored content. It
// returns once the replacement has been applied and persisted.
func (s *Session) Replace(author, text string) error {
	done := make(chan error, 1)
	select {
	case s.inbox <- evReplace{author: author, text: text, done: done}:
	case <-s.done:
		return ErrSessionClosed
	}
	select {
	case err := <-done:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

// SnapshotView reads the current plaintext and drains the contributor set
// accumulated since the last snapshot.
func (s *Session) SnapshotView() (plainText string, contributors []string, err error) {
	done := make(chan snapshotView, 1)
	select {
	case s.inbox <- evSnapshot{done: done}:
	case <-s.done:
		return "", nil, ErrSessionClosed
	}
	select {
	case view := <-done:
		return view.plainText, view.contributors, nil
	case <-s.done:
		return "", nil, ErrSessionClosed
	}
}

// RequeueContributors puts drained authors back after a failed snapshot
// write, so the attribution survives for the retry. Authors who edited in
// the meantime are already in the set; merging is harmless.
func (s *Session) RequeueContributors(authors []string) {
	if len(authors) == 0 {
		return
	}
	select {
	case s.inbox <- evRequeue{authors: authors}:
	case <-s.done:
	}
}

// Stop flushes any unsaved state and terminates the actor. Safe to call
// even if the session is already tearing down.
func (s *Session) Stop() {
	done := make(chan struct{})
	select {
	case s.inbox <- evStop{done: done}:
	case <-s.done:
		return
	}
	select {
	case <-done:
	case <-s.done:
	}
}

// Run is the actor loop. It exits after Stop or idle teardown.
func (s *Session) Run(ctx context.Context) {
	s.saveTimer = time.NewTimer(s.opts.SaveDebounce)
	s.saveTimer.Stop()
	s.idleTimer = time.NewTimer(s.opts.IdleGrace)
	s.presenceGC = time.NewTicker(s.opts.PresenceTimeout / 2)
	defer s.presenceGC.Stop()

	if s.fanout != nil {
		s.stopFanout = s.fanout.Subscribe(ctx, s.DraftID, func(frame []byte) {
			select {
			case s.inbox <- evRemote{frame: frame}:
			case <-s.done:
			}
		})
	}

	for {
		select {
		case ev := <-s.inbox:
			if s.handle(ctx, ev) {
				return
			}
		case <-s.saveTimer.C:
			s.persist(ctx)
		case <-s.idleTimer.C:
			if len(s.clients) == 0 {
				s.teardown(ctx)
				return
			}
		case <-s.presenceGC.C:
			s.expirePresence()
		case <-ctx.Done():
			s.teardown(ctx)
			return
		}
	}
}

func (s *Session) handle(ctx context.Context, ev sessionEvent) (stop bool) {
	switch ev := ev.(type) {
	case evJoin:
		s.clients[ev.c] = struct{}{}
		s.idleTimer.Stop()
		// Late joiner sees everyone already present.
		for _, entry := range s.presence {
			if payload, err := json.Marshal(entry); err == nil {
				ev.c.enqueue(encodeFrame(FrameAwareness, payload))
			}
		}
	case evLeave:
		if _, ok := s.clients[ev.c]; !ok {
			return false
		}
		delete(s.clients, ev.c)
		ev.c.closeSend()
		s.dropPresence(ev.c.UserID)
		if len(s.clients) == 0 {
			s.idleTimer.Reset(s.opts.IdleGrace)
		}
	case evFrame:
		s.handleFrame(ctx, ev.c, ev.data, true)
	case evRemote:
		s.handleFrame(ctx, nil, ev.frame, false)
	case evReplace:
		delta, edits := s.doc.Replace(ev.author, ev.text)
		s.authors[ev.author] = struct{}{}
		if raw, err := crdt.EncodeDelta(delta); err == nil {
			s.broadcast(encodeFrame(FrameDelta, raw), nil)
			s.publish(ctx, encodeFrame(FrameDelta, raw))
		}
		if len(edits) > 0 && s.anchors != nil {
			s.anchors.ApplyEdits(ctx, s.DraftID, edits)
		}
		s.dirty = true
		ev.done <- s.persist(ctx)
	case evSnapshot:
		view := snapshotView{plainText: s.doc.PlainText(), contributors: s.drainAuthors()}
		ev.done <- view
	case evRequeue:
		for _, author := range ev.authors {
			s.authors[author] = struct{}{}
		}
	case evStop:
		s.teardown(ctx)
		close(ev.done)
		return true
	}
	return false
}

// handleFrame dispatches one tagged message. local reports whether it came
// from a directly connected client (and should be re-published to peers on
// other instances) rather than from the fanout.
func (s *Session) handleFrame(ctx context.Context, from *Client, raw []byte, local bool) {
	tag, payload, err := decodeFrame(raw)
	if err != nil {
		log.Printf("relay: %s: dropping empty frame", s.DraftID)
		return
	}

	switch tag {
	case FrameStateVector:
		if from == nil {
			return
		}
		vector, err := crdt.DecodeStateVector(payload)
		if err != nil {
			log.Printf("relay: %s: malformed state vector from %s: %v", s.DraftID, from.ID, err)
			return
		}
		// Only what the client's vector lacks; the full state goes out
		// solely when the vector is empty.
		delta := s.doc.DeltaSince(vector)
		encoded, err := crdt.EncodeDelta(delta)
		if err != nil {
			log.Printf("relay: %s: encode sync delta: %v", s.DraftID, err)
			return
		}
		from.enqueue(encodeFrame(FrameDelta, encoded))

	case FrameDelta:
		delta, err := crdt.DecodeDelta(payload)
		if err != nil {
			// A misbehaving client must not disrupt the session; reject
			// the delta but keep the connection.
			who := "fanout"
			if from != nil {
				who = from.ID
			}
			log.Printf("relay: %s: rejected malformed delta from %s: %v", s.DraftID, who, err)
			return
		}
		edits := s.doc.ApplyDelta(delta)
		if delta.Author != "" {
			s.authors[delta.Author] = struct{}{}
		}
		// Rebroadcast the raw frame verbatim; deltas replay as-is.
		s.broadcast(raw, from)
		if local {
			s.publish(ctx, raw)
		}
		if len(edits) > 0 && s.anchors != nil {
			s.anchors.ApplyEdits(ctx, s.DraftID, edits)
		}
		s.dirty = true
		s.saveTimer.Reset(s.opts.SaveDebounce)

	case FrameAwareness:
		var entry PresenceEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			log.Printf("relay: %s: malformed awareness payload: %v", s.DraftID, err)
			return
		}
		if from != nil && entry.UserID == "" {
			entry.UserID = from.UserID
		}
		entry.LastSeenAt = time.Now()
		if entry.Left {
			delete(s.presence, entry.UserID)
		} else {
			s.presence[entry.UserID] = entry
		}
		s.broadcast(raw, from)
		if local {
			s.publish(ctx, raw)
		}

	default:
		log.Printf("relay: %s: unknown frame tag 0x%02x", s.DraftID, tag)
	}
}

func (s *Session) broadcast(frame []byte, except *Client) {
	for c := range s.clients {
		if c == except {
			continue
		}
		c.enqueue(frame)
	}
}

func (s *Session) publish(ctx context.Context, frame []byte) {
	if s.fanout == nil {
		return
	}
	s.fanout.Publish(ctx, s.DraftID, frame)
}

func (s *Session) dropPresence(userID string) {
	// Another connection for the same user may still be attached.
	for c := range s.clients {
		if c.UserID == userID {
			return
		}
	}
	delete(s.presence, userID)
	payload, err := json.Marshal(PresenceEntry{UserID: userID, Left: true})
	if err != nil {
		return
	}
	s.broadcast(encodeFrame(FrameAwareness, payload), nil)
}

func (s *Session) expirePresence() {
	cutoff := time.Now().Add(-s.opts.PresenceTimeout)
	for userID, entry := range s.presence {
		if entry.LastSeenAt.Before(cutoff) {
			delete(s.presence, userID)
			if payload, err := json.Marshal(PresenceEntry{UserID: userID, Left: true}); err == nil {
				s.broadcast(encodeFrame(FrameAwareness, payload), nil)
			}
		}
	}
}

func (s *Session) drainAuthors() []string {
	out := make([]string, 0, len(s.authors))
	for author := range s.authors {
		out = append(out, author)
	}
	sort.Strings(out)
	s.authors = make(map[string]struct{})
	return out
}

func (s *Session) persist(ctx context.Context) error {
	if !s.dirty {
		return nil
	}
	blob, err := s.doc.EncodeState()
	if err != nil {
		log.Printf("relay: %s: encode state: %v", s.DraftID, err)
		return err
	}
	if err := s.persister.SaveDraftState(ctx, s.DraftID, blob, s.doc.PlainText()); err != nil {
		log.Printf("relay: %s: persist failed: %v", s.DraftID, err)
		return err
	}
	s.dirty = false
	return nil
}

// teardown flushes state and detaches. The replica must be durable before
// the session disappears.
func (s *Session) teardown(ctx context.Context) {
	if s.stoppedOnce {
		return
	}
	s.stoppedOnce = true
	s.saveTimer.Stop()
	s.idleTimer.Stop()
	if err := s.persist(ctx); err != nil {
		// Retry once without a cancelled request context before giving up.
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.persist(flushCtx)
		cancel()
	}
	if s.stopFanout != nil {
		s.stopFanout()
	}
	for c := range s.clients {
		delete(s.clients, c)
		c.closeSend()
	}
	if s.onIdle != nil {
		s.onIdle(s.DraftID)
	}
	close(s.done)
	s.drainInbox()
}

// drainInbox disposes of events buffered while teardown ran. A join that
// landed after the actor loop exited still gets its send channel closed;
// synchronous callers are already unblocked by the closed done channel.
func (s *Session) drainInbox() {
	for {
		select {
		case ev := <-s.inbox:
			if join, ok := ev.(evJoin); ok {
				join.c.closeSend()
			}
		default:
			return
		}
	}
}

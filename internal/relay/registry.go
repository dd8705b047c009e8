package relay

import (
	"context"
	"sync"

	"redline/api/internal/crdt"
)

// Registry owns the live sessions: one addressable actor per draft,
// spawned on first attach and removed after idle teardown.
type Registry struct {
	persister Persister
	anchors   AnchorSink
	fanout    *Fanout
	opts      Options

	mu       sync.Mutex
	sessions map[string]*Session

	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewRegistry(persister Persister, anchors AnchorSink, fanout *Fanout, opts Options) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		persister: persister,
		anchors:   anchors,
		fanout:    fanout,
		opts:      opts,
		sessions:  make(map[string]*Session),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Attach returns the live session for a draft, spawning one from the
// persisted replica state if needed. A corrupt blob surfaces as
// crdt.ErrMalformedState rather than a silently reset document.
func (r *Registry) Attach(ctx context.Context, draftID string) (*Session, error) {
	for {
		r.mu.Lock()
		if s, ok := r.sessions[draftID]; ok {
			r.mu.Unlock()
			select {
			case <-s.Done():
				// Raced an idle teardown; spawn a fresh session.
				continue
			default:
				return s, nil
			}
		}
		r.mu.Unlock()

		blob, err := r.persister.LoadDraftState(ctx, draftID)
		if err != nil {
			return nil, err
		}
		doc, err := crdt.OpenState(blob)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if existing, ok := r.sessions[draftID]; ok {
			r.mu.Unlock()
			select {
			case <-existing.Done():
				continue
			default:
				return existing, nil
			}
		}
		s := newSession(draftID, doc, r.persister, r.anchors, r.fanout, r.opts, r.remove)
		r.sessions[draftID] = s
		r.mu.Unlock()

		go s.Run(r.baseCtx)
		return s, nil
	}
}

// Lookup returns the live session if one exists, without spawning.
func (r *Registry) Lookup(draftID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[draftID]
	return s, ok
}

func (r *Registry) remove(draftID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, draftID)
}

// Shutdown stops every live session, flushing unsaved replicas.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		select {
		case <-s.Done():
		default:
			s.Stop()
		}
	}
	r.cancel()
}

package app

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"redline/api/internal/anchor"
	"redline/api/internal/auth"
	"redline/api/internal/config"
	"redline/api/internal/crdt"
	"redline/api/internal/relay"
	"redline/api/internal/search"
	"redline/api/internal/store"
	"redline/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	CaseID    string
	Color     string
	JTI       string
	ExpiresAt time.Time
}

type CreateDraftInput struct {
	Title string `json:"title"`
}

type CreateSnapshotInput struct {
	ChangeDescription string `json:"changeDescription"`
}

type CreateThreadInput struct {
	SelectionStart int    `json:"selectionStart"`
	SelectionEnd   int    `json:"selectionEnd"`
	Content        string `json:"content"`
}

type CommentInput struct {
	Content string `json:"content"`
}

const snippetMaxRunes = 120

// cursorPalette colors presence cursors; a user keeps the same color
// across sessions because it hashes from the name.
var cursorPalette = []string{
	"#ef4444", "#f97316", "#f59e0b", "#10b981",
	"#06b6d4", "#3b82f6", "#8b5cf6", "#ec4899",
}

type dataStore interface {
	EnsureUserByName(context.Context, string, string, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	ListDrafts(context.Context, string) ([]store.Draft, error)
	GetDraft(context.Context, string) (store.Draft, error)
	InsertDraft(context.Context, store.Draft) error
	UpdateDraftText(context.Context, string, string, string) error
	UpdateDraftPlainText(context.Context, string, string) error
	LoadReplica(context.Context, string) ([]byte, error)
	SaveReplica(context.Context, string, []byte) error
	AllocateVersion(context.Context, string) (int, error)
	InsertSnapshot(context.Context, store.Snapshot) error
	GetSnapshot(context.Context, string, int) (store.Snapshot, error)
	ListSnapshots(context.Context, string, int) ([]store.Snapshot, error)
	InsertThread(context.Context, store.CommentThread) error
	GetThread(context.Context, string, string) (store.CommentThread, error)
	ListThreads(context.Context, string) ([]store.CommentThread, error)
	ListThreadAnchors(context.Context, string) ([]store.ThreadAnchor, error)
	UpdateThreadAnchor(context.Context, string, int, int, bool) error
	SetThreadResolved(context.Context, string, string, bool) (bool, error)
	DeleteThread(context.Context, string, string) (bool, error)
	InsertComment(context.Context, store.Comment) error
	UpdateComment(context.Context, string, string, string, string) (bool, error)
	Ping(ctx context.Context) error
}

type searcher interface {
	Search(context.Context, search.Query) ([]search.Result, int, error)
}

type Service struct {
	cfg    config.Config
	store  dataStore
	search searcher
	relay  *relay.Registry
}

func New(cfg config.Config, dataStore *store.PostgresStore, searcher *search.PgFTS) *Service {
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		search: searcher,
	}
}

// SetRegistry wires the live session registry in after construction; the
// registry itself needs the service as its persistence and anchor sink.
func (s *Service) SetRegistry(registry *relay.Registry) {
	s.relay = registry
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- sessions ---

func (s *Service) Login(ctx context.Context, name, caseID string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}
	if strings.TrimSpace(caseID) == "" {
		caseID = "case_default"
	}

	user, err := s.store.EnsureUserByName(ctx, userName, caseID, colorFor(userName))
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(user)
}

func (s *Service) issueSession(user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Case: user.CaseID,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		CaseID:    user.CaseID,
		Color:     user.Color,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		CaseID:    user.CaseID,
		Color:     user.Color,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func colorFor(name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return cursorPalette[h.Sum32()%uint32(len(cursorPalette))]
}

// --- drafts ---

func (s *Service) ListDrafts(ctx context.Context, session Session) ([]map[string]any, error) {
	drafts, err := s.store.ListDrafts(ctx, session.CaseID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(drafts))
	for _, draft := range drafts {
		items = append(items, map[string]any{
			"id":             draft.ID,
			"title":          draft.Title,
			"currentVersion": draft.CurrentVersion,
			"updatedBy":      draft.UpdatedBy,
			"updatedAt":      draft.UpdatedAt,
		})
	}
	return items, nil
}

func (s *Service) CreateDraft(ctx context.Context, session Session, input CreateDraftInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	draft := store.Draft{
		ID:        util.NewID("drf"),
		CaseID:    session.CaseID,
		Title:     title,
		UpdatedBy: session.UserName,
	}
	if err := s.store.InsertDraft(ctx, draft); err != nil {
		return nil, err
	}

	return map[string]any{
		"id":             draft.ID,
		"title":          draft.Title,
		"currentVersion": 1,
		"updatedBy":      draft.UpdatedBy,
	}, nil
}

// draftForCase loads a draft and enforces case scoping. A draft that
// belongs to another case reads as missing, so probing ids reveals
// nothing.
func (s *Service) draftForCase(ctx context.Context, session Session, draftID string) (store.Draft, error) {
	draft, err := s.store.GetDraft(ctx, draftID)
	if err != nil {
		return store.Draft{}, err
	}
	if draft.CaseID != session.CaseID {
		return store.Draft{}, sql.ErrNoRows
	}
	return draft, nil
}

func (s *Service) GetDraft(ctx context.Context, session Session, draftID string) (map[string]any, error) {
	draft, err := s.draftForCase(ctx, session, draftID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":             draft.ID,
		"title":          draft.Title,
		"plainText":      draft.PlainText,
		"currentVersion": draft.CurrentVersion,
		"updatedBy":      draft.UpdatedBy,
		"updatedAt":      draft.UpdatedAt,
		"createdAt":      draft.CreatedAt,
	}, nil
}

// AuthorizeDraft reports whether the session may open the draft at all,
// used by the websocket upgrade path before any frames flow.
func (s *Service) AuthorizeDraft(ctx context.Context, session Session, draftID string) error {
	_, err := s.draftForCase(ctx, session, draftID)
	return err
}

// --- replica state ---

// GetState returns the full replica blob for initial client load. New
// editors bootstrap from this and then catch up over the sync channel.
func (s *Service) GetState(ctx context.Context, session Session, draftID string) (map[string]any, error) {
	draft, err := s.draftForCase(ctx, session, draftID)
	if err != nil {
		return nil, err
	}
	blob, err := s.store.LoadReplica(ctx, draftID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"draftId":        draft.ID,
		"state":          base64.StdEncoding.EncodeToString(blob),
		"plainText":      draft.PlainText,
		"currentVersion": draft.CurrentVersion,
	}, nil
}

// PutState replaces the draft content wholesale from an uploaded replica
// blob. With a live session attached, the replacement goes through the
// session so connected editors converge; otherwise it writes straight to
// the store.
func (s *Service) PutState(ctx context.Context, session Session, draftID, encoded string) (map[string]any, error) {
	if _, err := s.draftForCase(ctx, session, draftID); err != nil {
		return nil, err
	}

	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "state must be base64", nil)
	}
	// An empty blob is a valid initial state on the load path only; as an
	// upload it would silently wipe the draft.
	if len(blob) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "MALFORMED_STATE", "state payload is empty", nil)
	}
	doc, err := crdt.OpenState(blob)
	if err != nil {
		return nil, err
	}
	text := doc.PlainText()

	if err := s.replaceContent(ctx, session.UserName, draftID, text); err != nil {
		return nil, err
	}
	return map[string]any{"draftId": draftID, "plainText": text}, nil
}

func (s *Service) relayLookup(draftID string) (*relay.Session, bool) {
	if s.relay == nil {
		return nil, false
	}
	return s.relay.Lookup(draftID)
}

// --- relay wiring ---

// LoadDraftState and SaveDraftState make the service the persistence
// boundary for live sessions.
func (s *Service) LoadDraftState(ctx context.Context, draftID string) ([]byte, error) {
	return s.store.LoadReplica(ctx, draftID)
}

func (s *Service) SaveDraftState(ctx context.Context, draftID string, blob []byte, plainText string) error {
	if err := s.store.SaveReplica(ctx, draftID, blob); err != nil {
		return err
	}
	return s.store.UpdateDraftPlainText(ctx, draftID, plainText)
}

// ApplyEdits remaps every live comment anchor through the plaintext edits
// of an applied delta. Anchors marked lost stay lost.
func (s *Service) ApplyEdits(ctx context.Context, draftID string, edits []crdt.Edit) {
	anchors, err := s.store.ListThreadAnchors(ctx, draftID)
	if err != nil {
		log.Printf("anchor remap: list %s: %v", draftID, err)
		return
	}
	for _, a := range anchors {
		before := anchor.Range{Start: a.SelectionStart, End: a.SelectionEnd}
		after := anchor.Apply(before, edits)
		if after == before {
			continue
		}
		if err := s.store.UpdateThreadAnchor(ctx, a.ThreadID, after.Start, after.End, after.Lost); err != nil {
			log.Printf("anchor remap: update %s: %v", a.ThreadID, err)
		}
	}
}

// --- versions ---

func (s *Service) CreateSnapshot(ctx context.Context, session Session, draftID string, input CreateSnapshotInput) (map[string]any, error) {
	if _, err := s.draftForCase(ctx, session, draftID); err != nil {
		return nil, err
	}

	text, drained, err := s.currentView(ctx, draftID)
	if err != nil {
		return nil, err
	}
	contributors := drained
	if len(contributors) == 0 {
		contributors = []string{session.UserName}
	}

	version, err := s.store.AllocateVersion(ctx, draftID)
	if err != nil {
		s.requeueContributors(draftID, drained)
		return nil, err
	}
	snapshot := store.Snapshot{
		ID:                util.NewID("snp"),
		DraftID:           draftID,
		VersionNumber:     version,
		StructuredContent: "{}",
		PlainText:         text,
		ChangeDescription: strings.TrimSpace(input.ChangeDescription),
		CreatedBy:         session.UserName,
		Contributors:      contributors,
	}
	if err := s.store.InsertSnapshot(ctx, snapshot); err != nil {
		s.requeueContributors(draftID, drained)
		return nil, err
	}

	return snapshotPayload(snapshot), nil
}

// requeueContributors hands drained attribution back to the live session
// when a snapshot write fails, so a retry still credits the right authors.
func (s *Service) requeueContributors(draftID string, contributors []string) {
	if len(contributors) == 0 {
		return
	}
	if live, ok := s.relayLookup(draftID); ok {
		live.RequeueContributors(contributors)
	}
}

// currentView reads the draft's plaintext and the contributors since the
// last snapshot, preferring the live session over the persisted cache.
func (s *Service) currentView(ctx context.Context, draftID string) (string, []string, error) {
	if live, ok := s.relayLookup(draftID); ok {
		text, contributors, err := live.SnapshotView()
		if err == nil {
			return text, contributors, nil
		}
	}
	draft, err := s.store.GetDraft(ctx, draftID)
	if err != nil {
		return "", nil, err
	}
	return draft.PlainText, nil, nil
}

func (s *Service) ListHistory(ctx context.Context, session Session, draftID string, limit int) (map[string]any, error) {
	if _, err := s.draftForCase(ctx, session, draftID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	snapshots, err := s.store.ListSnapshots(ctx, draftID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(snapshots))
	for _, snapshot := range snapshots {
		items = append(items, snapshotPayload(snapshot))
	}
	return map[string]any{"draftId": draftID, "versions": items}, nil
}

func snapshotPayload(snapshot store.Snapshot) map[string]any {
	payload := map[string]any{
		"id":                snapshot.ID,
		"draftId":           snapshot.DraftID,
		"versionNumber":     snapshot.VersionNumber,
		"changeDescription": snapshot.ChangeDescription,
		"createdBy":         snapshot.CreatedBy,
		"contributors":      snapshot.Contributors,
		"createdAt":         snapshot.CreatedAt,
	}
	if snapshot.RestoredFrom != nil {
		payload["restoredFrom"] = *snapshot.RestoredFrom
	}
	return payload
}

// DiffVersions compares two snapshots of a draft. from must precede to;
// the segments come out in document order.
func (s *Service) DiffVersions(ctx context.Context, session Session, draftID string, from, to int) (map[string]any, error) {
	if _, err := s.draftForCase(ctx, session, draftID); err != nil {
		return nil, err
	}
	if from <= 0 || to <= 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version numbers must be positive", nil)
	}
	if from >= to {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "from must be earlier than to", nil)
	}

	older, err := s.store.GetSnapshot(ctx, draftID, from)
	if err != nil {
		return nil, err
	}
	newer, err := s.store.GetSnapshot(ctx, draftID, to)
	if err != nil {
		return nil, err
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(older.PlainText, newer.PlainText, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	segments := make([]map[string]any, 0, len(diffs))
	for _, d := range diffs {
		op := "equal"
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = "insert"
		case diffmatchpatch.DiffDelete:
			op = "delete"
		}
		segments = append(segments, map[string]any{"op": op, "text": d.Text})
	}

	return map[string]any{
		"draftId":  draftID,
		"from":     from,
		"to":       to,
		"segments": segments,
	}, nil
}

// RestoreVersion brings back an old snapshot's content as a new version.
// History is append-only; nothing between the restored version and head is
// touched.
func (s *Service) RestoreVersion(ctx context.Context, session Session, draftID string, versionNumber int) (map[string]any, error) {
	if _, err := s.draftForCase(ctx, session, draftID); err != nil {
		return nil, err
	}

	source, err := s.store.GetSnapshot(ctx, draftID, versionNumber)
	if err != nil {
		return nil, err
	}

	if err := s.replaceContent(ctx, session.UserName, draftID, source.PlainText); err != nil {
		return nil, err
	}

	version, err := s.store.AllocateVersion(ctx, draftID)
	if err != nil {
		return nil, err
	}
	restoredFrom := source.VersionNumber
	snapshot := store.Snapshot{
		ID:                util.NewID("snp"),
		DraftID:           draftID,
		VersionNumber:     version,
		StructuredContent: "{}",
		PlainText:         source.PlainText,
		ChangeDescription: fmt.Sprintf("Restored from version %d", source.VersionNumber),
		CreatedBy:         session.UserName,
		Contributors:      []string{session.UserName},
		RestoredFrom:      &restoredFrom,
	}
	if err := s.store.InsertSnapshot(ctx, snapshot); err != nil {
		return nil, err
	}

	return snapshotPayload(snapshot), nil
}

// replaceContent swaps the draft's text through the live session when one
// exists, so connected editors receive the change as an ordinary delta.
// Without a session it rewrites the persisted replica directly. Either way
// the anchor tracker sees the replacement's edits; a whole-document replace
// orphans every open anchor rather than leaving stale offsets behind.
func (s *Service) replaceContent(ctx context.Context, author, draftID, text string) error {
	if live, ok := s.relayLookup(draftID); ok {
		if err := live.Replace(author, text); err == nil {
			return nil
		}
		// Session tore down mid-request; fall through to the offline path.
	}

	blob, err := s.store.LoadReplica(ctx, draftID)
	if err != nil {
		return err
	}
	doc, err := crdt.OpenState(blob)
	if err != nil {
		return err
	}
	_, edits := doc.Replace(author, text)
	updated, err := doc.EncodeState()
	if err != nil {
		return err
	}
	if err := s.store.SaveReplica(ctx, draftID, updated); err != nil {
		return err
	}
	if err := s.store.UpdateDraftText(ctx, draftID, text, author); err != nil {
		return err
	}
	if len(edits) > 0 {
		s.ApplyEdits(ctx, draftID, edits)
	}
	return nil
}

// --- comment threads ---

func (s *Service) ListThreads(ctx context.Context, session Session, draftID string) (map[string]any, error) {
	if _, err := s.draftForCase(ctx, session, draftID); err != nil {
		return nil, err
	}
	threads, err := s.store.ListThreads(ctx, draftID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(threads))
	for _, thread := range threads {
		items = append(items, threadPayload(thread))
	}
	return map[string]any{"draftId": draftID, "threads": items}, nil
}

func (s *Service) CreateThread(ctx context.Context, session Session, draftID string, input CreateThreadInput) (map[string]any, error) {
	if _, err := s.draftForCase(ctx, session, draftID); err != nil {
		return nil, err
	}
	if input.SelectionStart < 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "selectionStart must not be negative", nil)
	}
	if input.SelectionEnd < input.SelectionStart {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "selectionEnd must not precede selectionStart", nil)
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}

	text, _, err := s.currentView(ctx, draftID)
	if err != nil {
		return nil, err
	}

	thread := store.CommentThread{
		ID:             util.NewID("thr"),
		DraftID:        draftID,
		SelectionStart: input.SelectionStart,
		SelectionEnd:   input.SelectionEnd,
		TextSnippet:    snippet(text, input.SelectionStart, input.SelectionEnd),
		CreatedBy:      session.UserName,
	}
	if err := s.store.InsertThread(ctx, thread); err != nil {
		return nil, err
	}
	comment := store.Comment{
		ID:       util.NewID("cmt"),
		ThreadID: thread.ID,
		AuthorID: session.UserID,
		Content:  content,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return nil, err
	}

	created, err := s.store.GetThread(ctx, draftID, thread.ID)
	if err != nil {
		return nil, err
	}
	return threadPayload(created), nil
}

// snippet captures the selected text at creation time, clamped to the
// document and truncated. It is a label, not a source of truth.
func snippet(text string, start, end int) string {
	runes := []rune(text)
	if start > len(runes) {
		return ""
	}
	if end > len(runes) {
		end = len(runes)
	}
	selected := runes[start:end]
	if len(selected) > snippetMaxRunes {
		selected = selected[:snippetMaxRunes]
	}
	return string(selected)
}

func threadPayload(thread store.CommentThread) map[string]any {
	comments := make([]map[string]any, 0, len(thread.Comments))
	for _, comment := range thread.Comments {
		comments = append(comments, map[string]any{
			"id":        comment.ID,
			"authorId":  comment.AuthorID,
			"content":   comment.Content,
			"createdAt": comment.CreatedAt,
			"updatedAt": comment.UpdatedAt,
		})
	}
	return map[string]any{
		"id":             thread.ID,
		"draftId":        thread.DraftID,
		"selectionStart": thread.SelectionStart,
		"selectionEnd":   thread.SelectionEnd,
		"textSnippet":    thread.TextSnippet,
		"anchorLost":     thread.AnchorLost,
		"resolved":       thread.Resolved,
		"createdBy":      thread.CreatedBy,
		"createdAt":      thread.CreatedAt,
		"comments":       comments,
	}
}

func (s *Service) ReplyThread(ctx context.Context, session Session, draftID, threadID string, input CommentInput) (map[string]any, error) {
	if _, err := s.draftForCase(ctx, session, draftID); err != nil {
		return nil, err
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	if _, err := s.store.GetThread(ctx, draftID, threadID); err != nil {
		return nil, err
	}

	comment := store.Comment{
		ID:       util.NewID("cmt"),
		ThreadID: threadID,
		AuthorID: session.UserID,
		Content:  content,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return nil, err
	}

	thread, err := s.store.GetThread(ctx, draftID, threadID)
	if err != nil {
		return nil, err
	}
	return threadPayload(thread), nil
}

func (s *Service) EditComment(ctx context.Context, session Session, draftID, threadID, commentID string, input CommentInput) (map[string]any, error) {
	if _, err := s.draftForCase(ctx, session, draftID); err != nil {
		return nil, err
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	if _, err := s.store.GetThread(ctx, draftID, threadID); err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateComment(ctx, threadID, commentID, session.UserID, content)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, sql.ErrNoRows
	}

	thread, err := s.store.GetThread(ctx, draftID, threadID)
	if err != nil {
		return nil, err
	}
	return threadPayload(thread), nil
}

// SetThreadResolved flips the resolved flag. Resolving an already
// resolved thread is a no-op, not an error.
func (s *Service) SetThreadResolved(ctx context.Context, session Session, draftID, threadID string, resolved bool) (map[string]any, error) {
	if _, err := s.draftForCase(ctx, session, draftID); err != nil {
		return nil, err
	}
	found, err := s.store.SetThreadResolved(ctx, draftID, threadID, resolved)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, sql.ErrNoRows
	}

	thread, err := s.store.GetThread(ctx, draftID, threadID)
	if err != nil {
		return nil, err
	}
	return threadPayload(thread), nil
}

func (s *Service) DeleteThread(ctx context.Context, session Session, draftID, threadID string) error {
	if _, err := s.draftForCase(ctx, session, draftID); err != nil {
		return err
	}
	found, err := s.store.DeleteThread(ctx, draftID, threadID)
	if err != nil {
		return err
	}
	if !found {
		return sql.ErrNoRows
	}
	return nil
}

// --- search ---

func (s *Service) Search(ctx context.Context, session Session, q string, limit, offset int) (map[string]any, error) {
	results, total, err := s.search.Search(ctx, search.Query{
		Text:   q,
		CaseID: session.CaseID,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(results))
	for _, result := range results {
		items = append(items, map[string]any{
			"type":          string(result.Type),
			"id":            result.ID,
			"draftId":       result.DraftID,
			"title":         result.Title,
			"snippet":       result.Snippet,
			"versionNumber": result.VersionNumber,
		})
	}
	return map[string]any{"query": q, "total": total, "results": items}, nil
}

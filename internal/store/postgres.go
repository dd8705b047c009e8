package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrVersionExists reports a snapshot insert that lost a version-number
// race. The caller re-allocates and retries.
var ErrVersionExists = errors.New("version number already exists")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name, caseID, color string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, case_id, color FROM users WHERE display_name=$1 AND case_id=$2
	`, name, caseID).Scan(&user.ID, &user.DisplayName, &user.CaseID, &user.Color)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (display_name, case_id, color)
		VALUES ($1, $2, $3)
		RETURNING id, display_name, case_id, color
	`, name, caseID, color).Scan(&user.ID, &user.DisplayName, &user.CaseID, &user.Color)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, case_id, color FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.CaseID, &user.Color)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListDrafts(ctx context.Context, caseID string) ([]Draft, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, title, current_version, updated_by_name, updated_at, created_at
		FROM drafts
		WHERE case_id=$1
		ORDER BY updated_at DESC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	defer rows.Close()

	items := make([]Draft, 0)
	for rows.Next() {
		var item Draft
		if err := rows.Scan(&item.ID, &item.CaseID, &item.Title, &item.CurrentVersion, &item.UpdatedBy, &item.UpdatedAt, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drafts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDraft(ctx context.Context, draftID string) (Draft, error) {
	var item Draft
	err := s.db.QueryRowContext(ctx, `
		SELECT id, case_id, title, plain_text, current_version, updated_by_name, updated_at, created_at
		FROM drafts
		WHERE id=$1
	`, draftID).Scan(&item.ID, &item.CaseID, &item.Title, &item.PlainText, &item.CurrentVersion, &item.UpdatedBy, &item.UpdatedAt, &item.CreatedAt)
	if err != nil {
		return Draft{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertDraft(ctx context.Context, item Draft) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drafts (id, case_id, title, plain_text, current_version, updated_by_name)
		VALUES ($1, $2, $3, '', 1, $4)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.CaseID, item.Title, item.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert draft: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDraftText(ctx context.Context, draftID, plainText, updatedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE drafts SET plain_text=$2, updated_by_name=$3, updated_at=NOW() WHERE id=$1
	`, draftID, plainText, updatedBy)
	if err != nil {
		return fmt.Errorf("update draft text: %w", err)
	}
	return nil
}

// UpdateDraftPlainText refreshes the derived text cache without claiming
// authorship, used by the background replica persist path.
func (s *PostgresStore) UpdateDraftPlainText(ctx context.Context, draftID, plainText string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE drafts SET plain_text=$2, updated_at=NOW() WHERE id=$1
	`, draftID, plainText)
	if err != nil {
		return fmt.Errorf("update draft plain text: %w", err)
	}
	return nil
}

// LoadReplica returns the persisted replica blob, or nil when none has been
// saved yet. A missing blob is a valid initial state, not an error.
func (s *PostgresStore) LoadReplica(ctx context.Context, draftID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM draft_replicas WHERE draft_id=$1`, draftID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load replica: %w", err)
	}
	return blob, nil
}

// SaveReplica overwrites the persisted blob in a single statement, so a
// reader always sees one consistent snapshot, never a partial write.
func (s *PostgresStore) SaveReplica(ctx context.Context, draftID string, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO draft_replicas (draft_id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (draft_id) DO UPDATE SET state=EXCLUDED.state, updated_at=NOW()
	`, draftID, blob)
	if err != nil {
		return fmt.Errorf("save replica: %w", err)
	}
	return nil
}

// AllocateVersion claims the next version number for a draft atomically.
// Concurrent callers get distinct consecutive numbers with no gaps.
func (s *PostgresStore) AllocateVersion(ctx context.Context, draftID string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `
		UPDATE drafts SET current_version=current_version+1, updated_at=NOW()
		WHERE id=$1
		RETURNING current_version
	`, draftID).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, item Snapshot) error {
	contributors := item.Contributors
	if contributors == nil {
		contributors = []string{}
	}
	encoded, err := json.Marshal(contributors)
	if err != nil {
		return fmt.Errorf("marshal contributors: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, draft_id, version_number, structured_content, plain_text, change_description, created_by_name, contributors, restored_from)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, item.ID, item.DraftID, item.VersionNumber, item.StructuredContent, item.PlainText, item.ChangeDescription, item.CreatedBy, string(encoded), item.RestoredFrom)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrVersionExists
		}
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

const snapshotColumns = `id, draft_id, version_number, structured_content, plain_text, change_description, created_by_name, contributors, restored_from, created_at`

func scanSnapshot(scan func(...any) error) (Snapshot, error) {
	var item Snapshot
	var contributorsRaw []byte
	err := scan(&item.ID, &item.DraftID, &item.VersionNumber, &item.StructuredContent, &item.PlainText, &item.ChangeDescription, &item.CreatedBy, &contributorsRaw, &item.RestoredFrom, &item.CreatedAt)
	if err != nil {
		return Snapshot{}, err
	}
	_ = json.Unmarshal(contributorsRaw, &item.Contributors)
	return item, nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, draftID string, version int) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM snapshots WHERE draft_id=$1 AND version_number=$2
	`, draftID, version)
	return scanSnapshot(row.Scan)
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, draftID string, limit int) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM snapshots
		WHERE draft_id=$1
		ORDER BY version_number DESC
		LIMIT $2
	`, draftID, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	items := make([]Snapshot, 0)
	for rows.Next() {
		item, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertThread(ctx context.Context, item CommentThread) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comment_threads (id, draft_id, selection_start, selection_end, text_snippet, anchor_lost, resolved, created_by_name)
		VALUES ($1, $2, $3, $4, $5, FALSE, FALSE, $6)
	`, item.ID, item.DraftID, item.SelectionStart, item.SelectionEnd, item.TextSnippet, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

const threadColumns = `id, draft_id, selection_start, selection_end, text_snippet, anchor_lost, resolved, created_by_name, created_at`

func (s *PostgresStore) GetThread(ctx context.Context, draftID, threadID string) (CommentThread, error) {
	var item CommentThread
	err := s.db.QueryRowContext(ctx, `
		SELECT `+threadColumns+` FROM comment_threads WHERE draft_id=$1 AND id=$2
	`, draftID, threadID).Scan(&item.ID, &item.DraftID, &item.SelectionStart, &item.SelectionEnd, &item.TextSnippet, &item.AnchorLost, &item.Resolved, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return CommentThread{}, err
	}
	comments, err := s.listComments(ctx, threadID)
	if err != nil {
		return CommentThread{}, err
	}
	item.Comments = comments
	return item, nil
}

func (s *PostgresStore) ListThreads(ctx context.Context, draftID string) ([]CommentThread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+` FROM comment_threads
		WHERE draft_id=$1
		ORDER BY created_at ASC
	`, draftID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	items := make([]CommentThread, 0)
	for rows.Next() {
		var item CommentThread
		if err := rows.Scan(&item.ID, &item.DraftID, &item.SelectionStart, &item.SelectionEnd, &item.TextSnippet, &item.AnchorLost, &item.Resolved, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}

	for i := range items {
		comments, err := s.listComments(ctx, items[i].ID)
		if err != nil {
			return nil, err
		}
		items[i].Comments = comments
	}
	return items, nil
}

func (s *PostgresStore) listComments(ctx context.Context, threadID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, author_id, content, created_at, updated_at
		FROM comments
		WHERE thread_id=$1
		ORDER BY created_at ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.ThreadID, &item.AuthorID, &item.Content, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// ListThreadAnchors returns just the anchor ranges of a draft's live
// threads, skipping comment hydration. The remap path runs on every
// applied delta and must stay cheap.
func (s *PostgresStore) ListThreadAnchors(ctx context.Context, draftID string) ([]ThreadAnchor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, selection_start, selection_end, anchor_lost
		FROM comment_threads
		WHERE draft_id=$1 AND anchor_lost=FALSE
	`, draftID)
	if err != nil {
		return nil, fmt.Errorf("list thread anchors: %w", err)
	}
	defer rows.Close()

	items := make([]ThreadAnchor, 0)
	for rows.Next() {
		var item ThreadAnchor
		if err := rows.Scan(&item.ThreadID, &item.SelectionStart, &item.SelectionEnd, &item.AnchorLost); err != nil {
			return nil, fmt.Errorf("scan thread anchor: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread anchors: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateThreadAnchor(ctx context.Context, threadID string, start, end int, lost bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE comment_threads SET selection_start=$2, selection_end=$3, anchor_lost=$4 WHERE id=$1
	`, threadID, start, end, lost)
	if err != nil {
		return fmt.Errorf("update thread anchor: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetThreadResolved(ctx context.Context, draftID, threadID string, resolved bool) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comment_threads SET resolved=$3 WHERE draft_id=$1 AND id=$2
	`, draftID, threadID, resolved)
	if err != nil {
		return false, fmt.Errorf("set thread resolved: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set thread resolved: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteThread(ctx context.Context, draftID, threadID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM comment_threads WHERE draft_id=$1 AND id=$2
	`, draftID, threadID)
	if err != nil {
		return false, fmt.Errorf("delete thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete thread: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, item Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, thread_id, author_id, content)
		VALUES ($1, $2, $3, $4)
	`, item.ID, item.ThreadID, item.AuthorID, item.Content)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

// UpdateComment edits a comment's content. Only the author may edit, so the
// author id is part of the predicate.
func (s *PostgresStore) UpdateComment(ctx context.Context, threadID, commentID, authorID, content string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments SET content=$4, updated_at=NOW()
		WHERE thread_id=$1 AND id=$2 AND author_id=$3
	`, threadID, commentID, authorID, content)
	if err != nil {
		return false, fmt.Errorf("update comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update comment: %w", err)
	}
	return affected > 0, nil
}

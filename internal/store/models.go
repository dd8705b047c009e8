package store

import "time"

type User struct {
	ID          string
	DisplayName string
	CaseID      string
	Color       string
}

// Draft is the editable unit. The live CRDT replica is persisted separately
// as a binary blob; PlainText is a derived cache for listings and search.
type Draft struct {
	ID             string
	CaseID         string
	Title          string
	PlainText      string
	CurrentVersion int
	UpdatedBy      string
	UpdatedAt      time.Time
	CreatedAt      time.Time
}

// Snapshot is an immutable version capture. Rows are never updated after
// insert; restores create new rows instead.
type Snapshot struct {
	ID                string
	DraftID           string
	VersionNumber     int
	StructuredContent string
	PlainText         string
	ChangeDescription string
	CreatedBy         string
	Contributors      []string
	RestoredFrom      *int
	CreatedAt         time.Time
}

// CommentThread anchors a discussion to a plaintext range of its draft.
type CommentThread struct {
	ID             string
	DraftID        string
	SelectionStart int
	SelectionEnd   int
	TextSnippet    string
	AnchorLost     bool
	Resolved       bool
	CreatedBy      string
	CreatedAt      time.Time
	Comments       []Comment
}

// ThreadAnchor is the remap view of a thread: just its range.
type ThreadAnchor struct {
	ThreadID       string
	SelectionStart int
	SelectionEnd   int
	AnchorLost     bool
}

type Comment struct {
	ID        string
	ThreadID  string
	AuthorID  string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

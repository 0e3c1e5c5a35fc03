package domain

import (
	"time"

	"github.com/google/uuid"
)

// Entry visibility levels. Private and custom-filtered entries are never
// federated.
const (
	VisibilityPublic    = "public"
	VisibilityUnlisted  = "unlisted"
	VisibilityFollowers = "followers"
	VisibilityPrivate   = "private"
	VisibilityCustom    = "custom"
)

// Entry is a journal entry or a comment authored by a local account.
// Comments carry InReplyToURI pointing at the parent object.
type Entry struct {
	Id           uuid.UUID
	AccountId    uuid.UUID
	CreatedBy    string // username, filled on joins
	Title        string
	Content      string
	Visibility   string
	InReplyToURI string
	ObjectURI    string
	CreatedAt    time.Time
	EditedAt     *time.Time
	DeletedAt    *time.Time
}

// Federates reports whether the entry may leave the server at all.
func (e *Entry) Federates() bool {
	switch e.Visibility {
	case VisibilityPublic, VisibilityUnlisted, VisibilityFollowers:
		return e.DeletedAt == nil
	default:
		return false
	}
}

// RemoteNote is the locally cached shadow of a remote Note: a comment on a
// local entry or a post by a followed actor. Content is stored sanitized.
type RemoteNote struct {
	Id              uuid.UUID
	RemoteAccountId uuid.UUID
	ObjectURI       string
	InReplyToURI    string
	Content         string
	Published       time.Time
	DeletedAt       *time.Time
}

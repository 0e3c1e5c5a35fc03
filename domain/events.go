package domain

import (
	"github.com/google/uuid"
)

// EventKind enumerates the local actions the main application signals to
// the federation service.
type EventKind string

const (
	EventEntryPublished  EventKind = "entry_published"
	EventCommentCreated  EventKind = "comment_created"
	EventFollowRequested EventKind = "follow_requested"
	EventFollowApproved  EventKind = "follow_approved"
	EventStampAdded      EventKind = "stamp_added"
	EventContentDeleted  EventKind = "content_deleted"
	EventActionUndone    EventKind = "action_undone"
)

// Event is a native domain event, received fire-and-forget from the main
// application. Which fields are meaningful depends on Kind.
type Event struct {
	Kind      EventKind `json:"kind"`
	AccountId uuid.UUID `json:"accountId"`
	EntryId   uuid.UUID `json:"entryId,omitempty"`  // entry/comment events
	TargetIRI string    `json:"targetIri,omitempty"` // remote actor (follow) or object (stamp/undo/delete)
	UndoneIRI string    `json:"undoneIri,omitempty"` // activity being undone
}

// ChangeKind enumerates the native state changes an inbound activity can
// translate to. Unknown or unsupported activities map to ChangeIgnored.
type ChangeKind int

const (
	ChangeIgnored ChangeKind = iota
	ChangeFollowRequested
	ChangeFollowRemoved
	ChangeFollowConfirmed
	ChangeFollowDenied
	ChangeNoteCreated
	ChangeNoteUpdated
	ChangeStampAdded
	ChangeStampRemoved
	ChangeObjectDeleted
	ChangeActorRefreshed
)

// Change is the result of translating an inbound activity into native
// shape. It is applied in a single transaction by the inbox processor.
type Change struct {
	Kind        ChangeKind
	ActorIRI    string
	ActivityURI string
	ObjectURI   string
	Note        *RemoteNote // ChangeNoteCreated / ChangeNoteUpdated
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// RemoteAccount represents a cached federated actor. Entries older than the
// staleness threshold are re-fetched on demand.
type RemoteAccount struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	DisplayName    string
	Summary        string
	InboxURI       string
	OutboxURI      string
	SharedInboxURI string
	PublicKeyPem   string
	AvatarURL      string
	LastFetchedAt  time.Time
}

// DeliveryInbox returns the shared inbox when the remote server advertises
// one, so fan-out can collapse recipients on the same host.
func (acc *RemoteAccount) DeliveryInbox() string {
	if acc.SharedInboxURI != "" {
		return acc.SharedInboxURI
	}
	return acc.InboxURI
}

// Follow relationship states.
const (
	FollowPending  = "pending"
	FollowAccepted = "accepted"
)

// Follow represents a follow relationship between a local and a remote
// account (either direction).
type Follow struct {
	Id              uuid.UUID
	AccountId       uuid.UUID // the follower
	TargetAccountId uuid.UUID // the account being followed
	URI             string    // Follow activity IRI
	Status          string
	CreatedAt       time.Time
}

// Stamp is a reaction on an object. Remote Likes land here; they stay
// private to the object's owner and are unique per (actor, object).
type Stamp struct {
	Id        uuid.UUID
	AccountId uuid.UUID // who reacted, local or remote
	ObjectURI string
	URI       string // Like activity IRI
	CreatedAt time.Time
}

// Activity is the durable record of a protocol event, kept for
// deduplication and audit/replay.
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	Local        bool
	CreatedAt    time.Time
}

// DeliveryTask states.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryDead      = "dead"
)

// DeliveryTask is one unit of outbound work: an activity bound for a single
// remote inbox. Tasks survive restarts and are retried with backoff until
// delivered or dead.
type DeliveryTask struct {
	Id            uuid.UUID
	InboxURI      string
	AccountId     uuid.UUID // local sender, for signing
	ActivityJSON  string
	Attempts      int
	NextAttemptAt time.Time
	Status        string
	CreatedAt     time.Time
}

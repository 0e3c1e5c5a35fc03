package domain

import (
	"testing"
	"time"
)

func TestEntryFederates(t *testing.T) {
	tests := []struct {
		visibility string
		deleted    bool
		want       bool
	}{
		{VisibilityPublic, false, true},
		{VisibilityUnlisted, false, true},
		{VisibilityFollowers, false, true},
		{VisibilityPrivate, false, false},
		{VisibilityCustom, false, false},
		{VisibilityPublic, true, false},
	}

	for _, tt := range tests {
		entry := &Entry{Visibility: tt.visibility}
		if tt.deleted {
			now := time.Now()
			entry.DeletedAt = &now
		}
		if got := entry.Federates(); got != tt.want {
			t.Errorf("Federates() with visibility=%s deleted=%v: got %v, want %v",
				tt.visibility, tt.deleted, got, tt.want)
		}
	}
}

func TestRemoteAccountDeliveryInbox(t *testing.T) {
	withShared := &RemoteAccount{
		InboxURI:       "https://remote.example/users/bob/inbox",
		SharedInboxURI: "https://remote.example/inbox",
	}
	if got := withShared.DeliveryInbox(); got != "https://remote.example/inbox" {
		t.Errorf("Expected shared inbox, got %s", got)
	}

	withoutShared := &RemoteAccount{
		InboxURI: "https://remote.example/users/bob/inbox",
	}
	if got := withoutShared.DeliveryInbox(); got != withoutShared.InboxURI {
		t.Errorf("Expected personal inbox fallback, got %s", got)
	}
}

func TestAccountIRIs(t *testing.T) {
	acc := &Account{Username: "alice"}

	if got := acc.ActorIRI("inkwell.example"); got != "https://inkwell.example/users/alice" {
		t.Errorf("Unexpected actor IRI: %s", got)
	}
	if got := acc.KeyIRI("inkwell.example"); got != "https://inkwell.example/users/alice#main-key" {
		t.Errorf("Unexpected key IRI: %s", got)
	}
	if got := acc.FollowersIRI("inkwell.example"); got != "https://inkwell.example/users/alice/followers" {
		t.Errorf("Unexpected followers IRI: %s", got)
	}
}

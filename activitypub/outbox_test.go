package activitypub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stantondev/inkwell/db"
	"github.com/stantondev/inkwell/domain"
	"github.com/stantondev/inkwell/metrics"
	"github.com/stantondev/inkwell/util"
	"go.uber.org/zap"
)

func testDispatcher(t *testing.T, store *db.Store) *Dispatcher {
	conf := &util.AppConfig{}
	conf.Conf.Domain = "inkwell.example"
	log := zap.NewNop()
	translator := NewTranslator(conf.Conf.Domain)
	resolver := NewResolver(store, conf, log, metrics.New())
	return NewDispatcher(store, resolver, translator, conf, log)
}

func seedLocalAccount(t *testing.T, store *db.Store, username string) *domain.Account {
	t.Helper()
	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		PublicKeyPem:  "pub",
		PrivateKeyPem: "priv",
		CreatedAt:     time.Now(),
	}
	if err := store.CreateAccount(acc); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return acc
}

func seedFollower(t *testing.T, store *db.Store, target *domain.Account, username, host, sharedInbox string) *domain.RemoteAccount {
	t.Helper()
	remote := &domain.RemoteAccount{
		Id:             uuid.New(),
		Username:       username,
		Domain:         host,
		ActorURI:       "https://" + host + "/users/" + username,
		InboxURI:       "https://" + host + "/users/" + username + "/inbox",
		SharedInboxURI: sharedInbox,
		PublicKeyPem:   "pem",
		LastFetchedAt:  time.Now(),
	}
	if err := store.CreateRemoteAccount(remote); err != nil {
		t.Fatalf("CreateRemoteAccount failed: %v", err)
	}
	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       remote.Id,
		TargetAccountId: target.Id,
		URI:             "https://" + host + "/activities/" + uuid.New().String(),
		Status:          domain.FollowAccepted,
		CreatedAt:       time.Now(),
	}
	if err := store.CreateFollow(follow); err != nil {
		t.Fatalf("CreateFollow failed: %v", err)
	}
	return remote
}

func dueTasks(t *testing.T, store *db.Store) []domain.DeliveryTask {
	t.Helper()
	err, tasks := store.ReadDueDeliveries(100)
	if err != nil {
		t.Fatalf("ReadDueDeliveries failed: %v", err)
	}
	return *tasks
}

func TestPublishEntryFansOutWithSharedInboxDedup(t *testing.T) {
	store := testStore(t)
	d := testDispatcher(t, store)
	acc := seedLocalAccount(t, store, "alice")

	// Two followers on the same server sharing an inbox, one elsewhere
	shared := "https://remote.example/inbox"
	seedFollower(t, store, acc, "bob", "remote.example", shared)
	seedFollower(t, store, acc, "carol", "remote.example", shared)
	seedFollower(t, store, acc, "dan", "other.example", "")

	entry := &domain.Entry{
		Id:         uuid.New(),
		AccountId:  acc.Id,
		Content:    "<p>hello world</p>",
		Visibility: domain.VisibilityPublic,
		CreatedAt:  time.Now(),
	}
	if err := store.CreateEntry(entry); err != nil {
		t.Fatalf("CreateEntry failed: %v", err)
	}

	event := &domain.Event{
		Kind:      domain.EventEntryPublished,
		AccountId: acc.Id,
		EntryId:   entry.Id,
	}
	if err := d.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	tasks := dueTasks(t, store)
	if len(tasks) != 2 {
		t.Fatalf("Expected 2 tasks (shared inbox collapsed), got %d", len(tasks))
	}

	inboxes := map[string]bool{}
	for _, task := range tasks {
		inboxes[task.InboxURI] = true

		var activity map[string]interface{}
		if err := json.Unmarshal([]byte(task.ActivityJSON), &activity); err != nil {
			t.Fatalf("Task payload should be JSON: %v", err)
		}
		if activity["type"] != "Create" {
			t.Errorf("Expected Create payload, got %v", activity["type"])
		}
	}
	if !inboxes[shared] {
		t.Error("Expected a task for the shared inbox")
	}
	if !inboxes["https://other.example/users/dan/inbox"] {
		t.Error("Expected a task for the personal inbox")
	}

	// The entry got a stable object IRI on first federation
	err, stored := store.ReadEntryById(entry.Id)
	if err != nil || stored == nil || stored.ObjectURI == "" {
		t.Error("Expected object URI to be minted and persisted")
	}
}

func TestPublishPrivateEntryQueuesNothing(t *testing.T) {
	store := testStore(t)
	d := testDispatcher(t, store)
	acc := seedLocalAccount(t, store, "alice")
	seedFollower(t, store, acc, "bob", "remote.example", "")

	entry := &domain.Entry{
		Id:         uuid.New(),
		AccountId:  acc.Id,
		Content:    "secret",
		Visibility: domain.VisibilityPrivate,
		CreatedAt:  time.Now(),
	}
	if err := store.CreateEntry(entry); err != nil {
		t.Fatalf("CreateEntry failed: %v", err)
	}

	event := &domain.Event{
		Kind:      domain.EventEntryPublished,
		AccountId: acc.Id,
		EntryId:   entry.Id,
	}
	if err := d.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish of private entry should not error: %v", err)
	}

	if tasks := dueTasks(t, store); len(tasks) != 0 {
		t.Errorf("Private entries must not federate, got %d tasks", len(tasks))
	}
}

func TestSendAcceptQueuesSingleTask(t *testing.T) {
	store := testStore(t)
	d := testDispatcher(t, store)
	acc := seedLocalAccount(t, store, "alice")

	remote := &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      "bob",
		Domain:        "remote.example",
		ActorURI:      "https://remote.example/users/bob",
		InboxURI:      "https://remote.example/users/bob/inbox",
		PublicKeyPem:  "pem",
		LastFetchedAt: time.Now(),
	}
	if err := store.CreateRemoteAccount(remote); err != nil {
		t.Fatalf("CreateRemoteAccount failed: %v", err)
	}

	followURI := "https://remote.example/activities/follow1"
	if err := d.SendAccept(acc, remote, followURI); err != nil {
		t.Fatalf("SendAccept failed: %v", err)
	}

	tasks := dueTasks(t, store)
	if len(tasks) != 1 {
		t.Fatalf("Expected 1 task, got %d", len(tasks))
	}
	if tasks[0].InboxURI != remote.InboxURI {
		t.Errorf("Accept should go to the personal inbox, got %s", tasks[0].InboxURI)
	}

	var activity map[string]interface{}
	json.Unmarshal([]byte(tasks[0].ActivityJSON), &activity)
	if activity["type"] != "Accept" {
		t.Errorf("Expected Accept, got %v", activity["type"])
	}
	inner := activity["object"].(map[string]interface{})
	if inner["id"] != followURI {
		t.Errorf("Accept should reference the Follow URI, got %v", inner["id"])
	}
}

func TestPublishUndoFollow(t *testing.T) {
	store := testStore(t)
	d := testDispatcher(t, store)
	acc := seedLocalAccount(t, store, "alice")

	remote := &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      "bob",
		Domain:        "remote.example",
		ActorURI:      "https://remote.example/users/bob",
		InboxURI:      "https://remote.example/users/bob/inbox",
		PublicKeyPem:  "pem",
		LastFetchedAt: time.Now(),
	}
	if err := store.CreateRemoteAccount(remote); err != nil {
		t.Fatalf("CreateRemoteAccount failed: %v", err)
	}

	followURI := "https://inkwell.example/activities/follow1"
	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       acc.Id,
		TargetAccountId: remote.Id,
		URI:             followURI,
		Status:          domain.FollowAccepted,
		CreatedAt:       time.Now(),
	}
	if err := store.CreateFollow(follow); err != nil {
		t.Fatalf("CreateFollow failed: %v", err)
	}

	event := &domain.Event{
		Kind:      domain.EventActionUndone,
		AccountId: acc.Id,
		UndoneIRI: followURI,
	}
	if err := d.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if err, gone := store.ReadFollowByURI(followURI); err == nil && gone != nil {
		t.Error("Undone follow should be removed locally")
	}

	tasks := dueTasks(t, store)
	if len(tasks) != 1 {
		t.Fatalf("Expected 1 Undo task, got %d", len(tasks))
	}
	var activity map[string]interface{}
	json.Unmarshal([]byte(tasks[0].ActivityJSON), &activity)
	if activity["type"] != "Undo" {
		t.Errorf("Expected Undo, got %v", activity["type"])
	}
}

func TestPublishDeleteFansOutTombstone(t *testing.T) {
	store := testStore(t)
	d := testDispatcher(t, store)
	acc := seedLocalAccount(t, store, "alice")
	seedFollower(t, store, acc, "bob", "remote.example", "")

	entry := &domain.Entry{
		Id:         uuid.New(),
		AccountId:  acc.Id,
		Content:    "to be removed",
		Visibility: domain.VisibilityPublic,
		ObjectURI:  "https://inkwell.example/notes/x",
		CreatedAt:  time.Now(),
	}
	if err := store.CreateEntry(entry); err != nil {
		t.Fatalf("CreateEntry failed: %v", err)
	}

	event := &domain.Event{
		Kind:      domain.EventContentDeleted,
		AccountId: acc.Id,
		EntryId:   entry.Id,
	}
	if err := d.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	err, stored := store.ReadEntryById(entry.Id)
	if err != nil || stored == nil || stored.DeletedAt == nil {
		t.Error("Expected entry to be soft-deleted")
	}

	tasks := dueTasks(t, store)
	if len(tasks) != 1 {
		t.Fatalf("Expected 1 Delete task, got %d", len(tasks))
	}
	var activity map[string]interface{}
	json.Unmarshal([]byte(tasks[0].ActivityJSON), &activity)
	if activity["type"] != "Delete" {
		t.Errorf("Expected Delete, got %v", activity["type"])
	}
}

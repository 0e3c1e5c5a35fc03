package db

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stantondev/inkwell/domain"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir()+"/test.db", zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedAccount(t *testing.T, store *Store, username string) *domain.Account {
	t.Helper()
	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		DisplayName:   "Test User",
		PublicKeyPem:  "pub",
		PrivateKeyPem: "priv",
		CreatedAt:     time.Now(),
	}
	if err := store.CreateAccount(acc); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return acc
}

func TestAccountRoundTrip(t *testing.T) {
	store := newTestStore(t)
	acc := seedAccount(t, store, "alice")

	err, got := store.ReadAccByUsername("alice")
	if err != nil || got == nil {
		t.Fatalf("ReadAccByUsername failed: %v", err)
	}
	if got.Id != acc.Id {
		t.Error("Expected same account id")
	}
	if got.PrivateKeyPem != "priv" {
		t.Error("Private key should round-trip")
	}

	err, byId := store.ReadAccById(acc.Id)
	if err != nil || byId == nil || byId.Username != "alice" {
		t.Errorf("ReadAccById failed: %v", err)
	}

	if err, missing := store.ReadAccByUsername("nobody"); err == nil && missing != nil {
		t.Error("Expected no result for unknown username")
	}
}

func TestEntryByObjectURI(t *testing.T) {
	store := newTestStore(t)
	acc := seedAccount(t, store, "alice")

	entry := &domain.Entry{
		Id:         uuid.New(),
		AccountId:  acc.Id,
		Title:      "day one",
		Content:    "<p>hi</p>",
		Visibility: domain.VisibilityPublic,
		ObjectURI:  "https://inkwell.example/notes/1",
		CreatedAt:  time.Now(),
	}
	if err := store.CreateEntry(entry); err != nil {
		t.Fatalf("CreateEntry failed: %v", err)
	}

	err, got := store.ReadEntryByObjectURI(entry.ObjectURI)
	if err != nil || got == nil {
		t.Fatalf("ReadEntryByObjectURI failed: %v", err)
	}
	if got.Id != entry.Id {
		t.Error("Expected same entry")
	}
	if got.CreatedBy != "alice" {
		t.Errorf("Expected username join, got %q", got.CreatedBy)
	}

	if err := store.SoftDeleteEntry(entry.Id); err != nil {
		t.Fatalf("SoftDeleteEntry failed: %v", err)
	}
	err, deleted := store.ReadEntryById(entry.Id)
	if err != nil || deleted == nil {
		t.Fatalf("Soft-deleted entry should still be readable: %v", err)
	}
	if deleted.DeletedAt == nil {
		t.Error("Expected deleted_at to be set")
	}
}

func TestPublicEntriesFilterAndOrder(t *testing.T) {
	store := newTestStore(t)
	acc := seedAccount(t, store, "alice")

	mk := func(visibility string, offset time.Duration) {
		entry := &domain.Entry{
			Id:         uuid.New(),
			AccountId:  acc.Id,
			Content:    visibility,
			Visibility: visibility,
			CreatedAt:  time.Now().Add(offset),
		}
		if err := store.CreateEntry(entry); err != nil {
			t.Fatalf("CreateEntry failed: %v", err)
		}
	}
	mk(domain.VisibilityPublic, -2*time.Hour)
	mk(domain.VisibilityPrivate, -time.Hour)
	mk(domain.VisibilityFollowers, -30*time.Minute)
	mk(domain.VisibilityPublic, 0)

	err, entries := store.ReadPublicEntriesByUsername("alice", 10, 0)
	if err != nil {
		t.Fatalf("ReadPublicEntriesByUsername failed: %v", err)
	}
	if len(*entries) != 2 {
		t.Fatalf("Expected 2 public entries, got %d", len(*entries))
	}
	if (*entries)[0].CreatedAt.Before((*entries)[1].CreatedAt) {
		t.Error("Expected newest-first ordering")
	}
}

func TestFollowLifecycle(t *testing.T) {
	store := newTestStore(t)
	acc := seedAccount(t, store, "alice")

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

	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       remote.Id,
		TargetAccountId: acc.Id,
		URI:             "https://remote.example/activities/f1",
		Status:          domain.FollowPending,
		CreatedAt:       time.Now(),
	}
	if err := store.CreateFollow(follow); err != nil {
		t.Fatalf("CreateFollow failed: %v", err)
	}

	// Pending follows are not yet followers
	err, followers := store.ReadFollowersOf(acc.Id)
	if err != nil {
		t.Fatalf("ReadFollowersOf failed: %v", err)
	}
	if len(*followers) != 0 {
		t.Errorf("Pending follow should not count as follower, got %d", len(*followers))
	}

	if err := store.UpdateFollowStatus(follow.URI, domain.FollowAccepted); err != nil {
		t.Fatalf("UpdateFollowStatus failed: %v", err)
	}
	err, followers = store.ReadFollowersOf(acc.Id)
	if err != nil || len(*followers) != 1 {
		t.Fatalf("Expected 1 accepted follower, got %d (err %v)", len(*followers), err)
	}

	if err := store.DeleteFollowByURI(follow.URI); err != nil {
		t.Fatalf("DeleteFollowByURI failed: %v", err)
	}
	err, followers = store.ReadFollowersOf(acc.Id)
	if err != nil || len(*followers) != 0 {
		t.Errorf("Expected no followers after delete, got %d", len(*followers))
	}
}

func TestStampUniquePerActorAndObject(t *testing.T) {
	store := newTestStore(t)
	actorId := uuid.New()
	objectURI := "https://inkwell.example/notes/1"

	first := &domain.Stamp{
		Id:        uuid.New(),
		AccountId: actorId,
		ObjectURI: objectURI,
		URI:       "https://remote.example/activities/like1",
		CreatedAt: time.Now(),
	}
	if err := store.CreateStamp(first); err != nil {
		t.Fatalf("CreateStamp failed: %v", err)
	}

	// Replayed Like from the same actor for the same object is absorbed
	replay := &domain.Stamp{
		Id:        uuid.New(),
		AccountId: actorId,
		ObjectURI: objectURI,
		URI:       "https://remote.example/activities/like1-replay",
		CreatedAt: time.Now(),
	}
	if err := store.CreateStamp(replay); err != nil {
		t.Fatalf("Replayed stamp should not error: %v", err)
	}

	err, stamps := store.ReadStampsByObjectURI(objectURI)
	if err != nil {
		t.Fatalf("ReadStampsByObjectURI failed: %v", err)
	}
	if len(*stamps) != 1 {
		t.Errorf("Expected 1 stamp after replay, got %d", len(*stamps))
	}

	// A different actor may stamp the same object
	other := &domain.Stamp{
		Id:        uuid.New(),
		AccountId: uuid.New(),
		ObjectURI: objectURI,
		URI:       "https://other.example/activities/like2",
		CreatedAt: time.Now(),
	}
	if err := store.CreateStamp(other); err != nil {
		t.Fatalf("CreateStamp failed: %v", err)
	}
	err, stamps = store.ReadStampsByObjectURI(objectURI)
	if err != nil || len(*stamps) != 2 {
		t.Errorf("Expected 2 stamps from distinct actors, got %d", len(*stamps))
	}
}

func TestRemoteNoteUpsertUpdatesInPlace(t *testing.T) {
	store := newTestStore(t)

	note := &domain.RemoteNote{
		Id:              uuid.New(),
		RemoteAccountId: uuid.New(),
		ObjectURI:       "https://remote.example/notes/1",
		Content:         "first",
		Published:       time.Now(),
	}
	if err := store.UpsertRemoteNote(note); err != nil {
		t.Fatalf("UpsertRemoteNote failed: %v", err)
	}

	edited := &domain.RemoteNote{
		Id:              uuid.New(),
		RemoteAccountId: note.RemoteAccountId,
		ObjectURI:       note.ObjectURI,
		Content:         "edited",
		Published:       time.Now(),
	}
	if err := store.UpsertRemoteNote(edited); err != nil {
		t.Fatalf("Upsert of existing note failed: %v", err)
	}

	err, got := store.ReadRemoteNoteByObjectURI(note.ObjectURI)
	if err != nil || got == nil {
		t.Fatalf("ReadRemoteNoteByObjectURI failed: %v", err)
	}
	if got.Content != "edited" {
		t.Errorf("Expected edited content, got %q", got.Content)
	}
	if got.Id != note.Id {
		t.Error("Upsert should keep the original row, not create a new one")
	}
}

func TestActivityDedupAndPrune(t *testing.T) {
	store := newTestStore(t)

	old := &domain.Activity{
		Id:          uuid.New(),
		ActivityURI: "https://remote.example/activities/old",
		ActorURI:    "https://remote.example/users/bob",
		CreatedAt:   time.Now().Add(-48 * time.Hour),
	}
	fresh := &domain.Activity{
		Id:          uuid.New(),
		ActivityURI: "https://remote.example/activities/fresh",
		ActorURI:    "https://remote.example/users/bob",
		CreatedAt:   time.Now(),
	}
	local := &domain.Activity{
		Id:          uuid.New(),
		ActivityURI: "https://inkwell.example/activities/mine",
		ActorURI:    "https://inkwell.example/users/alice",
		Local:       true,
		CreatedAt:   time.Now().Add(-48 * time.Hour),
	}
	for _, a := range []*domain.Activity{old, fresh, local} {
		if err := store.CreateActivity(a); err != nil {
			t.Fatalf("CreateActivity failed: %v", err)
		}
	}

	if err := store.PruneActivities(time.Now().Add(-24 * time.Hour)); err != nil {
		t.Fatalf("PruneActivities failed: %v", err)
	}

	if err, gone := store.ReadActivityByURI(old.ActivityURI); err == nil && gone != nil {
		t.Error("Old inbound activity should be pruned")
	}
	if err, kept := store.ReadActivityByURI(fresh.ActivityURI); err != nil || kept == nil {
		t.Error("Fresh activity should survive pruning")
	}
	if err, kept := store.ReadActivityByURI(local.ActivityURI); err != nil || kept == nil {
		t.Error("Local activities are audit records and never pruned")
	}
}

func TestDeliveryQueueDueOrdering(t *testing.T) {
	store := newTestStore(t)
	accountId := uuid.New()

	mk := func(inbox string, createdOffset time.Duration, nextOffset time.Duration) *domain.DeliveryTask {
		task := &domain.DeliveryTask{
			Id:            uuid.New(),
			InboxURI:      inbox,
			AccountId:     accountId,
			ActivityJSON:  "{}",
			NextAttemptAt: time.Now().Add(nextOffset),
			Status:        domain.DeliveryPending,
			CreatedAt:     time.Now().Add(createdOffset),
		}
		if err := store.EnqueueDelivery(task); err != nil {
			t.Fatalf("EnqueueDelivery failed: %v", err)
		}
		return task
	}

	second := mk("https://a.example/inbox", -time.Minute, -time.Second)
	first := mk("https://a.example/inbox", -2*time.Minute, -time.Second)
	notDue := mk("https://b.example/inbox", 0, time.Hour)

	err, due := store.ReadDueDeliveries(10)
	if err != nil {
		t.Fatalf("ReadDueDeliveries failed: %v", err)
	}
	if len(*due) != 2 {
		t.Fatalf("Expected 2 due tasks, got %d", len(*due))
	}
	if (*due)[0].Id != first.Id || (*due)[1].Id != second.Id {
		t.Error("Expected oldest-first ordering for same inbox")
	}
	for _, task := range *due {
		if task.Id == notDue.Id {
			t.Error("Future task should not be due")
		}
	}
}

func TestDeliveryQueueStateTransitions(t *testing.T) {
	store := newTestStore(t)

	task := &domain.DeliveryTask{
		Id:            uuid.New(),
		InboxURI:      "https://a.example/inbox",
		AccountId:     uuid.New(),
		ActivityJSON:  "{}",
		NextAttemptAt: time.Now().Add(-time.Second),
		Status:        domain.DeliveryPending,
		CreatedAt:     time.Now(),
	}
	if err := store.EnqueueDelivery(task); err != nil {
		t.Fatalf("EnqueueDelivery failed: %v", err)
	}

	// Retry pushes the task out of the due window
	if err := store.UpdateDeliveryAttempt(task.Id, 1, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("UpdateDeliveryAttempt failed: %v", err)
	}
	err, due := store.ReadDueDeliveries(10)
	if err != nil || len(*due) != 0 {
		t.Errorf("Backed-off task should not be due, got %d", len(*due))
	}

	// Dead tasks never show up as due again
	if err := store.UpdateDeliveryAttempt(task.Id, 5, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("UpdateDeliveryAttempt failed: %v", err)
	}
	if err := store.MarkDeliveryStatus(task.Id, domain.DeliveryDead); err != nil {
		t.Fatalf("MarkDeliveryStatus failed: %v", err)
	}
	err, due = store.ReadDueDeliveries(10)
	if err != nil || len(*due) != 0 {
		t.Errorf("Dead task should not be due, got %d", len(*due))
	}
}

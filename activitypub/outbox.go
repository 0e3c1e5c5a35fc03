package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stantondev/inkwell/db"
	"github.com/stantondev/inkwell/domain"
	"github.com/stantondev/inkwell/util"
	"go.uber.org/zap"
)

// Dispatcher turns native domain events into outbound activities and fans
// them out to the delivery queue. Publishing never touches the network;
// the delivery worker drains the queue asynchronously.
type Dispatcher struct {
	store      *db.Store
	resolver   *Resolver
	translator *Translator
	conf       *util.AppConfig
	log        *zap.Logger
}

func NewDispatcher(store *db.Store, resolver *Resolver, translator *Translator, conf *util.AppConfig, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:      store,
		resolver:   resolver,
		translator: translator,
		conf:       conf,
		log:        log,
	}
}

// Publish maps one domain event to its federation side effects. Events
// that do not federate (private entries, unknown kinds) are dropped with a
// log line, never an error back to the application.
func (d *Dispatcher) Publish(ctx context.Context, event *domain.Event) error {
	err, acc := d.store.ReadAccById(event.AccountId)
	if err != nil || acc == nil {
		return fmt.Errorf("unknown account %s: %w", event.AccountId, err)
	}

	switch event.Kind {
	case domain.EventEntryPublished, domain.EventCommentCreated:
		return d.publishEntry(ctx, acc, event)
	case domain.EventFollowRequested:
		return d.sendFollow(ctx, acc, event.TargetIRI)
	case domain.EventFollowApproved:
		return d.approveFollow(ctx, acc, event.TargetIRI)
	case domain.EventStampAdded:
		return d.sendLike(ctx, acc, event.TargetIRI)
	case domain.EventContentDeleted:
		return d.publishDelete(acc, event)
	case domain.EventActionUndone:
		return d.publishUndo(ctx, acc, event.UndoneIRI)
	}

	d.log.Warn("outbox: dropping event of unknown kind", zap.String("kind", string(event.Kind)))
	return nil
}

func (d *Dispatcher) publishEntry(ctx context.Context, acc *domain.Account, event *domain.Event) error {
	err, entry := d.store.ReadEntryById(event.EntryId)
	if err != nil || entry == nil {
		return fmt.Errorf("unknown entry %s: %w", event.EntryId, err)
	}

	// The object IRI is minted once, on first federation, and reused for
	// every later edit or deletion.
	if entry.ObjectURI == "" {
		entry.ObjectURI = d.translator.NoteIRI(entry.Id)
		if err := d.store.UpdateEntryObjectURI(entry.Id, entry.ObjectURI); err != nil {
			return err
		}
	}

	create, err := d.translator.BuildCreate(entry, acc)
	if err != nil {
		if err == ErrNotApplicable {
			d.log.Debug("outbox: entry does not federate",
				zap.String("entry", entry.Id.String()),
				zap.String("visibility", entry.Visibility))
			return nil
		}
		return err
	}

	// A comment on a remote note is also delivered to its author, even
	// when the author is not a follower.
	var extra []string
	if entry.InReplyToURI != "" {
		if inbox := d.replyAuthorInbox(entry.InReplyToURI); inbox != "" {
			extra = append(extra, inbox)
		}
	}

	return d.fanOut(acc, create, extra)
}

// replyAuthorInbox resolves the delivery inbox of the author of the note a
// comment replies to. Empty when the parent is unknown or local.
func (d *Dispatcher) replyAuthorInbox(inReplyToURI string) string {
	err, note := d.store.ReadRemoteNoteByObjectURI(inReplyToURI)
	if err != nil || note == nil {
		return ""
	}
	err, remote := d.store.ReadRemoteAccountById(note.RemoteAccountId)
	if err != nil || remote == nil {
		return ""
	}
	return remote.DeliveryInbox()
}

func (d *Dispatcher) sendFollow(ctx context.Context, acc *domain.Account, targetIRI string) error {
	remote, _, err := d.resolver.ResolveRemote(ctx, targetIRI)
	if err != nil {
		return fmt.Errorf("failed to resolve follow target: %w", err)
	}

	if err, existing := d.store.ReadFollowByAccountIds(acc.Id, remote.Id); err == nil && existing != nil {
		d.log.Debug("outbox: already following", zap.String("target", targetIRI))
		return nil
	}

	followURI := d.translator.NewActivityIRI()
	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       acc.Id,
		TargetAccountId: remote.Id,
		URI:             followURI,
		Status:          domain.FollowPending,
		CreatedAt:       time.Now(),
	}
	if err := d.store.CreateFollow(follow); err != nil {
		return err
	}

	activity := d.translator.BuildFollow(acc, remote.ActorURI, followURI)
	return d.enqueue(acc, remote.InboxURI, activity)
}

// approveFollow accepts a pending inbound follow from the given actor.
func (d *Dispatcher) approveFollow(ctx context.Context, acc *domain.Account, actorIRI string) error {
	remote, _, err := d.resolver.ResolveRemote(ctx, actorIRI)
	if err != nil {
		return fmt.Errorf("failed to resolve follower: %w", err)
	}

	err, follow := d.store.ReadFollowByAccountIds(remote.Id, acc.Id)
	if err != nil || follow == nil {
		return fmt.Errorf("no follow from %s to approve", actorIRI)
	}

	if err := d.store.UpdateFollowStatus(follow.URI, domain.FollowAccepted); err != nil {
		return err
	}
	return d.SendAccept(acc, remote, follow.URI)
}

// SendAccept queues an Accept answering the given Follow activity.
func (d *Dispatcher) SendAccept(acc *domain.Account, remote *domain.RemoteAccount, followURI string) error {
	activity := d.translator.BuildAccept(acc, remote.ActorURI, followURI)
	return d.enqueue(acc, remote.InboxURI, activity)
}

func (d *Dispatcher) sendLike(ctx context.Context, acc *domain.Account, objectIRI string) error {
	err, note := d.store.ReadRemoteNoteByObjectURI(objectIRI)
	if err != nil || note == nil {
		return fmt.Errorf("cannot like unknown object %s", objectIRI)
	}
	err, remote := d.store.ReadRemoteAccountById(note.RemoteAccountId)
	if err != nil || remote == nil {
		return fmt.Errorf("unknown author of %s", objectIRI)
	}

	likeURI := d.translator.NewActivityIRI()
	stamp := &domain.Stamp{
		Id:        uuid.New(),
		AccountId: acc.Id,
		ObjectURI: objectIRI,
		URI:       likeURI,
		CreatedAt: time.Now(),
	}
	if err := d.store.CreateStamp(stamp); err != nil {
		return err
	}

	activity := d.translator.BuildLike(acc, objectIRI, likeURI)
	return d.enqueue(acc, remote.DeliveryInbox(), activity)
}

func (d *Dispatcher) publishDelete(acc *domain.Account, event *domain.Event) error {
	err, entry := d.store.ReadEntryById(event.EntryId)
	if err != nil || entry == nil {
		return fmt.Errorf("unknown entry %s: %w", event.EntryId, err)
	}

	if err := d.store.SoftDeleteEntry(entry.Id); err != nil {
		return err
	}

	// Entries that never federated have no object IRI and nothing to
	// tombstone remotely.
	if entry.ObjectURI == "" || !entry.Federates() {
		return nil
	}

	activity := d.translator.BuildDelete(acc, entry.ObjectURI)
	return d.fanOut(acc, activity, nil)
}

// publishUndo retracts a previously sent Follow or Like, identified by its
// activity IRI.
func (d *Dispatcher) publishUndo(ctx context.Context, acc *domain.Account, undoneIRI string) error {
	if err, follow := d.store.ReadFollowByURI(undoneIRI); err == nil && follow != nil {
		err, remote := d.store.ReadRemoteAccountById(follow.TargetAccountId)
		if err != nil || remote == nil {
			return fmt.Errorf("unknown follow target for %s", undoneIRI)
		}
		inner := d.translator.BuildFollow(acc, remote.ActorURI, follow.URI)
		if err := d.store.DeleteFollowByURI(follow.URI); err != nil {
			return err
		}
		return d.enqueue(acc, remote.InboxURI, d.translator.BuildUndo(acc, inner))
	}

	if err, stamp := d.store.ReadStampByURI(undoneIRI); err == nil && stamp != nil {
		inbox := d.replyAuthorInbox(stamp.ObjectURI)
		if inbox == "" {
			return fmt.Errorf("unknown object author for %s", undoneIRI)
		}
		inner := d.translator.BuildLike(acc, stamp.ObjectURI, stamp.URI)
		if err := d.store.DeleteStampByURI(stamp.URI); err != nil {
			return err
		}
		return d.enqueue(acc, inbox, d.translator.BuildUndo(acc, inner))
	}

	d.log.Warn("outbox: nothing to undo", zap.String("activity", undoneIRI))
	return nil
}

// fanOut queues the activity for every accepted follower, collapsing
// recipients behind the same shared inbox into one task. extra inboxes are
// added to the recipient set.
func (d *Dispatcher) fanOut(acc *domain.Account, activity map[string]interface{}, extra []string) error {
	err, followers := d.store.ReadFollowersOf(acc.Id)
	if err != nil {
		return err
	}

	inboxes := make(map[string]struct{})
	for _, inbox := range extra {
		inboxes[inbox] = struct{}{}
	}
	for _, follow := range *followers {
		err, remote := d.store.ReadRemoteAccountById(follow.AccountId)
		if err != nil || remote == nil {
			d.log.Warn("outbox: follower without remote account",
				zap.String("follow", follow.URI))
			continue
		}
		inboxes[remote.DeliveryInbox()] = struct{}{}
	}

	if len(inboxes) == 0 {
		d.log.Debug("outbox: no recipients", zap.String("user", acc.Username))
		return nil
	}

	payload, err := json.Marshal(activity)
	if err != nil {
		return err
	}
	d.recordLocal(activity, acc, string(payload))

	for inbox := range inboxes {
		task := &domain.DeliveryTask{
			Id:            uuid.New(),
			InboxURI:      inbox,
			AccountId:     acc.Id,
			ActivityJSON:  string(payload),
			NextAttemptAt: time.Now(),
			Status:        domain.DeliveryPending,
			CreatedAt:     time.Now(),
		}
		if err := d.store.EnqueueDelivery(task); err != nil {
			return err
		}
	}

	d.log.Info("outbox: queued activity",
		zap.String("type", fmt.Sprint(activity["type"])),
		zap.String("user", acc.Username),
		zap.Int("inboxes", len(inboxes)))
	return nil
}

// enqueue queues the activity for a single inbox.
func (d *Dispatcher) enqueue(acc *domain.Account, inboxURI string, activity map[string]interface{}) error {
	payload, err := json.Marshal(activity)
	if err != nil {
		return err
	}
	d.recordLocal(activity, acc, string(payload))

	task := &domain.DeliveryTask{
		Id:            uuid.New(),
		InboxURI:      inboxURI,
		AccountId:     acc.Id,
		ActivityJSON:  string(payload),
		NextAttemptAt: time.Now(),
		Status:        domain.DeliveryPending,
		CreatedAt:     time.Now(),
	}
	if err := d.store.EnqueueDelivery(task); err != nil {
		return err
	}

	d.log.Info("outbox: queued activity",
		zap.String("type", fmt.Sprint(activity["type"])),
		zap.String("inbox", inboxURI))
	return nil
}

// recordLocal keeps an audit row for a locally minted activity. Failure
// only costs audit history, not delivery.
func (d *Dispatcher) recordLocal(activity map[string]interface{}, acc *domain.Account, payload string) {
	id, _ := activity["id"].(string)
	typ, _ := activity["type"].(string)
	record := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  id,
		ActivityType: typ,
		ActorURI:     acc.ActorIRI(d.conf.Conf.Domain),
		RawJSON:      payload,
		Processed:    true,
		Local:        true,
		CreatedAt:    time.Now(),
	}
	if err := d.store.CreateActivity(record); err != nil {
		d.log.Warn("outbox: failed to record local activity", zap.Error(err))
	}
}

package activitypub

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stantondev/inkwell/db"
	"github.com/stantondev/inkwell/domain"
	"github.com/stantondev/inkwell/metrics"
	"github.com/stantondev/inkwell/util"
	"go.uber.org/zap"
)

// Processor receives, verifies, deduplicates and applies inbound
// activities. Each request runs the sequence verify -> dedup -> translate
// -> apply; re-receiving an activity IRI is a no-op success.
type Processor struct {
	store      *db.Store
	resolver   *Resolver
	translator *Translator
	dispatcher *Dispatcher
	conf       *util.AppConfig
	log        *zap.Logger
	metrics    *metrics.Metrics
}

func NewProcessor(store *db.Store, resolver *Resolver, translator *Translator, dispatcher *Dispatcher, conf *util.AppConfig, log *zap.Logger, m *metrics.Metrics) *Processor {
	return &Processor{
		store:      store,
		resolver:   resolver,
		translator: translator,
		dispatcher: dispatcher,
		conf:       conf,
		log:        log,
		metrics:    m,
	}
}

// HandleInbox processes one inbound activity addressed to username.
// Responses follow ActivityPub convention: 202 for accepted (including
// ignored and duplicate), 401 for verification failure, 5xx to invite a
// sender retry.
func (p *Processor) HandleInbox(w http.ResponseWriter, r *http.Request, username string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil || env.ID == "" || env.Actor == "" {
		p.log.Warn("inbox: malformed activity", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "invalid activity", http.StatusBadRequest)
		return
	}

	outcome := func(result string) {
		p.metrics.InboxActivities.WithLabelValues(env.Type, result).Inc()
	}

	// verifying
	verifiedActor, err := VerifyRequest(r, body, p.resolver.PublicKeyFor(r.Context()))
	if err != nil {
		p.log.Warn("inbox: signature verification failed",
			zap.String("activity", env.ID),
			zap.String("actor", env.Actor),
			zap.Error(err))
		outcome("rejected")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	if verifiedActor != env.Actor {
		p.log.Warn("inbox: signature actor mismatch",
			zap.String("activity", env.ID),
			zap.String("claimed", env.Actor),
			zap.String("signed", verifiedActor))
		outcome("rejected")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	err, acc := p.store.ReadAccByUsername(username)
	if err != nil || acc == nil {
		http.Error(w, "no such user", http.StatusNotFound)
		return
	}

	// verified: dedup on activity IRI. Only a fully applied record counts
	// as a duplicate; an unprocessed record is a redelivery after a
	// transient failure and must run again.
	record := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  env.ID,
		ActivityType: env.Type,
		ActorURI:     env.Actor,
		ObjectURI:    env.ObjectURI(),
		RawJSON:      string(body),
		CreatedAt:    time.Now(),
	}
	if err, existing := p.store.ReadActivityByURI(env.ID); err == nil && existing != nil {
		if existing.Processed {
			p.log.Debug("inbox: duplicate activity", zap.String("activity", env.ID))
			outcome("duplicate")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		record = existing
	} else if err := p.store.CreateActivity(record); err != nil {
		p.log.Error("inbox: failed to record activity", zap.String("activity", env.ID), zap.Error(err))
		outcome("failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// translating
	change, err := p.translator.FromActivity(&env)
	if err != nil {
		p.log.Error("inbox: translation failed", zap.String("activity", env.ID), zap.Error(err))
		outcome("failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if change.Kind == domain.ChangeIgnored {
		p.log.Info("inbox: ignoring activity",
			zap.String("activity", env.ID),
			zap.String("type", env.Type),
			zap.String("actor", env.Actor))
		p.store.MarkActivityProcessed(record.Id)
		outcome("ignored")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// applying
	if err := p.apply(r, acc, change); err != nil {
		p.log.Error("inbox: failed to apply change",
			zap.String("activity", env.ID),
			zap.String("actor", env.Actor),
			zap.Error(err))
		outcome("failed")
		http.Error(w, "failed to process activity", http.StatusInternalServerError)
		return
	}

	// applied
	p.store.MarkActivityProcessed(record.Id)
	p.log.Info("inbox: applied activity",
		zap.String("activity", env.ID),
		zap.String("type", env.Type),
		zap.String("actor", env.Actor),
		zap.String("user", username))
	outcome("applied")
	w.WriteHeader(http.StatusAccepted)
}

func (p *Processor) apply(r *http.Request, acc *domain.Account, change *domain.Change) error {
	ctx := r.Context()

	switch change.Kind {
	case domain.ChangeFollowRequested:
		return p.applyFollow(r, acc, change)

	case domain.ChangeFollowRemoved:
		// Undo(Follow) removes the relationship regardless of status.
		if err := p.store.DeleteFollowByURI(change.ObjectURI); err != nil {
			return fmt.Errorf("failed to delete follow: %w", err)
		}
		if err, remote := p.store.ReadRemoteAccountByURI(change.ActorIRI); err == nil && remote != nil {
			p.store.DeleteFollowByAccountIds(remote.Id, acc.Id)
		}
		return nil

	case domain.ChangeFollowConfirmed:
		// Accept of our outbound Follow.
		if err := p.store.UpdateFollowStatus(change.ObjectURI, domain.FollowAccepted); err != nil {
			return fmt.Errorf("failed to accept follow: %w", err)
		}
		return nil

	case domain.ChangeFollowDenied:
		if err := p.store.DeleteFollowByURI(change.ObjectURI); err != nil {
			return fmt.Errorf("failed to drop rejected follow: %w", err)
		}
		return nil

	case domain.ChangeStampAdded:
		return p.applyStamp(r, acc, change)

	case domain.ChangeStampRemoved:
		return p.store.DeleteStampByURI(change.ObjectURI)

	case domain.ChangeNoteCreated, domain.ChangeNoteUpdated:
		return p.applyNote(r, acc, change)

	case domain.ChangeObjectDeleted:
		return p.applyDelete(acc, change)

	case domain.ChangeActorRefreshed:
		if _, err := p.resolver.Refresh(ctx, change.ActorIRI); err != nil {
			return fmt.Errorf("failed to refresh actor: %w", err)
		}
		return nil
	}

	return nil
}

func (p *Processor) applyFollow(r *http.Request, acc *domain.Account, change *domain.Change) error {
	remote, _, err := p.resolver.ResolveRemote(r.Context(), change.ActorIRI)
	if err != nil {
		return fmt.Errorf("failed to resolve follower: %w", err)
	}

	// A re-sent Follow, or a redelivery whose Accept never got queued,
	// lands on an existing row. Answering an accepted follow again is
	// idempotent for the remote side.
	if err, existing := p.store.ReadFollowByAccountIds(remote.Id, acc.Id); err == nil && existing != nil {
		if existing.Status == domain.FollowAccepted {
			return p.dispatcher.SendAccept(acc, remote, existing.URI)
		}
		p.log.Debug("inbox: follow already pending",
			zap.String("actor", change.ActorIRI),
			zap.String("status", existing.Status))
		return nil
	}

	status := domain.FollowAccepted
	if acc.ApprovesFollowers {
		status = domain.FollowPending
	}

	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       remote.Id,
		TargetAccountId: acc.Id,
		URI:             change.ActivityURI,
		Status:          status,
		CreatedAt:       time.Now(),
	}
	if err := p.store.CreateFollow(follow); err != nil {
		return fmt.Errorf("failed to create follow: %w", err)
	}

	// Auto-accept sends the Accept immediately; approval-required
	// accounts answer later, when the application signals approval.
	if status == domain.FollowAccepted {
		if err := p.dispatcher.SendAccept(acc, remote, change.ActivityURI); err != nil {
			return fmt.Errorf("failed to queue Accept: %w", err)
		}
	}

	return nil
}

func (p *Processor) applyStamp(r *http.Request, acc *domain.Account, change *domain.Change) error {
	// A Like only lands if the object is ours. It stays private to the
	// owner; the unique (account, object) constraint absorbs replays.
	if err, entry := p.store.ReadEntryByObjectURI(change.ObjectURI); err != nil || entry == nil {
		p.log.Debug("inbox: like for unknown object", zap.String("object", change.ObjectURI))
		return nil
	}

	remote, _, err := p.resolver.ResolveRemote(r.Context(), change.ActorIRI)
	if err != nil {
		return fmt.Errorf("failed to resolve liker: %w", err)
	}

	stamp := &domain.Stamp{
		Id:        uuid.New(),
		AccountId: remote.Id,
		ObjectURI: change.ObjectURI,
		URI:       change.ActivityURI,
		CreatedAt: time.Now(),
	}
	return p.store.CreateStamp(stamp)
}

func (p *Processor) applyNote(r *http.Request, acc *domain.Account, change *domain.Change) error {
	remote, _, err := p.resolver.ResolveRemote(r.Context(), change.ActorIRI)
	if err != nil {
		return fmt.Errorf("failed to resolve author: %w", err)
	}
	change.Note.RemoteAccountId = remote.Id

	if change.Kind == domain.ChangeNoteUpdated {
		// Edits only update notes we already shadow.
		if err, existing := p.store.ReadRemoteNoteByObjectURI(change.ObjectURI); err != nil || existing == nil {
			p.log.Debug("inbox: update for unknown note", zap.String("object", change.ObjectURI))
			return nil
		}
		return p.store.UpsertRemoteNote(change.Note)
	}

	if change.Note.InReplyToURI != "" {
		// A reply is kept when it anchors to a local entry; otherwise
		// it is an orphan and gets dropped.
		if err, parent := p.store.ReadEntryByObjectURI(change.Note.InReplyToURI); err == nil && parent != nil {
			return p.store.UpsertRemoteNote(change.Note)
		}
	}

	// Top-level posts are kept from actors a local user follows.
	if err, follow := p.store.ReadFollowByAccountIds(acc.Id, remote.Id); err == nil && follow != nil {
		return p.store.UpsertRemoteNote(change.Note)
	}

	p.log.Info("inbox: dropping orphan note",
		zap.String("object", change.ObjectURI),
		zap.String("inReplyTo", change.Note.InReplyToURI),
		zap.String("actor", change.ActorIRI))
	return nil
}

func (p *Processor) applyDelete(acc *domain.Account, change *domain.Change) error {
	if change.ObjectURI == change.ActorIRI {
		// Actor deletion: drop the cached account and every follow
		// edge touching it.
		err, remote := p.store.ReadRemoteAccountByURI(change.ObjectURI)
		if err != nil || remote == nil {
			return nil
		}
		if err := p.store.DeleteFollowsByAccountId(remote.Id); err != nil {
			return err
		}
		return p.store.DeleteRemoteAccount(remote.Id)
	}

	// Object deletion: soft-delete the shadow copy if we have one.
	if err, note := p.store.ReadRemoteNoteByObjectURI(change.ObjectURI); err != nil || note == nil {
		return nil
	}
	return p.store.SoftDeleteRemoteNoteByObjectURI(change.ObjectURI)
}

package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/stantondev/inkwell/domain"
)

const (
	activityStreamsNS = "https://www.w3.org/ns/activitystreams"
	publicCollection  = "https://www.w3.org/ns/activitystreams#Public"
)

// ErrNotApplicable marks native events that must not leave the server
// (private or custom-filtered visibility).
var ErrNotApplicable = errors.New("event does not federate")

// Kind enumerates the activity types the engine understands. Everything
// else is KindUnknown and flows through the tolerant-ignore path.
type Kind int

const (
	KindUnknown Kind = iota
	KindCreate
	KindUpdate
	KindFollow
	KindAccept
	KindReject
	KindLike
	KindUndo
	KindDelete
)

func KindOf(activityType string) Kind {
	switch activityType {
	case "Create":
		return KindCreate
	case "Update":
		return KindUpdate
	case "Follow":
		return KindFollow
	case "Accept":
		return KindAccept
	case "Reject":
		return KindReject
	case "Like":
		return KindLike
	case "Undo":
		return KindUndo
	case "Delete":
		return KindDelete
	default:
		return KindUnknown
	}
}

// Envelope is the outer shape of any inbound activity. Object stays raw
// until the type is known.
type Envelope struct {
	Context   interface{}     `json:"@context"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object"`
	Published string          `json:"published"`
}

func (e *Envelope) Kind() Kind {
	return KindOf(e.Type)
}

// ObjectURI returns the object's IRI whether the object is a bare string
// or an embedded document.
func (e *Envelope) ObjectURI() string {
	if len(e.Object) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Object, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(e.Object, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// noteObject is the embedded object of Create/Update activities.
type noteObject struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Content      string `json:"content"`
	Published    string `json:"published"`
	AttributedTo string `json:"attributedTo"`
	InReplyTo    string `json:"inReplyTo"`
}

// Translator converts between native domain shapes and ActivityPub
// vocabulary. It holds the sanitizer for remote HTML and the local domain
// for IRI construction.
type Translator struct {
	domain   string
	sanitize *bluemonday.Policy
}

func NewTranslator(localDomain string) *Translator {
	return &Translator{
		domain:   localDomain,
		sanitize: bluemonday.UGCPolicy(),
	}
}

// FromActivity maps an inbound activity to the native change it implies.
// Unknown or unsupported shapes return a ChangeIgnored rather than an
// error; the inbox tolerates protocol extensions.
func (t *Translator) FromActivity(env *Envelope) (*domain.Change, error) {
	change := &domain.Change{
		Kind:        domain.ChangeIgnored,
		ActorIRI:    env.Actor,
		ActivityURI: env.ID,
		ObjectURI:   env.ObjectURI(),
	}

	switch env.Kind() {
	case KindFollow:
		change.Kind = domain.ChangeFollowRequested

	case KindAccept, KindReject:
		inner, err := t.innerActivity(env)
		if err != nil || KindOf(inner.Type) != KindFollow {
			return change, nil
		}
		change.ObjectURI = inner.ID
		if env.Kind() == KindAccept {
			change.Kind = domain.ChangeFollowConfirmed
		} else {
			change.Kind = domain.ChangeFollowDenied
		}

	case KindLike:
		if change.ObjectURI == "" {
			return change, nil
		}
		change.Kind = domain.ChangeStampAdded

	case KindUndo:
		inner, err := t.innerActivity(env)
		if err != nil {
			return change, nil
		}
		change.ObjectURI = inner.ID
		switch KindOf(inner.Type) {
		case KindFollow:
			change.Kind = domain.ChangeFollowRemoved
		case KindLike:
			change.Kind = domain.ChangeStampRemoved
		}

	case KindCreate, KindUpdate:
		var obj noteObject
		if err := json.Unmarshal(env.Object, &obj); err != nil {
			// Object by reference or some other non-document shape:
			// nothing to shadow, tolerated like any unknown extension.
			return change, nil
		}
		switch obj.Type {
		case "Note", "Article":
			note, err := t.toRemoteNote(&obj)
			if err != nil {
				return change, nil
			}
			change.Note = note
			change.ObjectURI = obj.ID
			if env.Kind() == KindCreate {
				change.Kind = domain.ChangeNoteCreated
			} else {
				change.Kind = domain.ChangeNoteUpdated
			}
		case "Person", "Service":
			if env.Kind() == KindUpdate {
				change.Kind = domain.ChangeActorRefreshed
			}
		}

	case KindDelete:
		if change.ObjectURI == "" {
			return change, nil
		}
		change.Kind = domain.ChangeObjectDeleted
	}

	return change, nil
}

// toRemoteNote builds the shadow copy of a remote Note. Remote HTML goes
// through the same sanitization contract as local user HTML.
func (t *Translator) toRemoteNote(obj *noteObject) (*domain.RemoteNote, error) {
	if obj.ID == "" {
		return nil, fmt.Errorf("note missing id")
	}

	published := time.Now()
	if obj.Published != "" {
		if parsed, err := time.Parse(time.RFC3339, obj.Published); err == nil {
			published = parsed
		}
	}

	return &domain.RemoteNote{
		Id:           uuid.New(),
		ObjectURI:    obj.ID,
		InReplyToURI: obj.InReplyTo,
		Content:      t.sanitize.Sanitize(obj.Content),
		Published:    published,
	}, nil
}

func (t *Translator) innerActivity(env *Envelope) (*Envelope, error) {
	var inner Envelope
	if err := json.Unmarshal(env.Object, &inner); err != nil {
		return nil, err
	}
	return &inner, nil
}

// NewActivityIRI mints an IRI for a locally constructed activity.
func (t *Translator) NewActivityIRI() string {
	return fmt.Sprintf("https://%s/activities/%s", t.domain, uuid.New().String())
}

// NoteIRI is the stable object id of a local entry, derived from the
// entry id so edits and re-deliveries map back unambiguously.
func (t *Translator) NoteIRI(entryId uuid.UUID) string {
	return fmt.Sprintf("https://%s/notes/%s", t.domain, entryId.String())
}

// addressing returns the to/cc lists for an entry's visibility level.
func (t *Translator) addressing(entry *domain.Entry, acc *domain.Account) (to []string, cc []string) {
	followers := acc.FollowersIRI(t.domain)
	switch entry.Visibility {
	case domain.VisibilityPublic:
		return []string{publicCollection}, []string{followers}
	case domain.VisibilityUnlisted:
		return []string{followers}, []string{publicCollection}
	default: // followers-only
		return []string{followers}, nil
	}
}

// BuildNote renders a local entry as an ActivityPub Note object.
func (t *Translator) BuildNote(entry *domain.Entry, acc *domain.Account) map[string]interface{} {
	to, cc := t.addressing(entry, acc)
	note := map[string]interface{}{
		"id":           entry.ObjectURI,
		"type":         "Note",
		"attributedTo": acc.ActorIRI(t.domain),
		"content":      entry.Content,
		"published":    entry.CreatedAt.UTC().Format(time.RFC3339),
		"to":           to,
	}
	if cc != nil {
		note["cc"] = cc
	}
	if entry.Title != "" {
		note["name"] = entry.Title
	}
	if entry.InReplyToURI != "" {
		note["inReplyTo"] = entry.InReplyToURI
	}
	if entry.EditedAt != nil {
		note["updated"] = entry.EditedAt.UTC().Format(time.RFC3339)
	}
	return note
}

// BuildCreate wraps a local entry in a Create activity. Fails with
// ErrNotApplicable for visibilities that never federate.
func (t *Translator) BuildCreate(entry *domain.Entry, acc *domain.Account) (map[string]interface{}, error) {
	if !entry.Federates() {
		return nil, ErrNotApplicable
	}

	to, cc := t.addressing(entry, acc)
	create := map[string]interface{}{
		"@context":  activityStreamsNS,
		"id":        t.NewActivityIRI(),
		"type":      "Create",
		"actor":     acc.ActorIRI(t.domain),
		"published": entry.CreatedAt.UTC().Format(time.RFC3339),
		"to":        to,
		"object":    t.BuildNote(entry, acc),
	}
	if cc != nil {
		create["cc"] = cc
	}
	return create, nil
}

// BuildFollow constructs a Follow aimed at a remote actor.
func (t *Translator) BuildFollow(acc *domain.Account, targetIRI string, followURI string) map[string]interface{} {
	return map[string]interface{}{
		"@context": activityStreamsNS,
		"id":       followURI,
		"type":     "Follow",
		"actor":    acc.ActorIRI(t.domain),
		"object":   targetIRI,
	}
}

// BuildAccept answers a remote Follow.
func (t *Translator) BuildAccept(acc *domain.Account, remoteActorIRI string, followURI string) map[string]interface{} {
	actorIRI := acc.ActorIRI(t.domain)
	return map[string]interface{}{
		"@context": activityStreamsNS,
		"id":       t.NewActivityIRI(),
		"type":     "Accept",
		"actor":    actorIRI,
		"object": map[string]interface{}{
			"id":     followURI,
			"type":   "Follow",
			"actor":  remoteActorIRI,
			"object": actorIRI,
		},
	}
}

// BuildLike constructs a Like for a remote object.
func (t *Translator) BuildLike(acc *domain.Account, objectIRI string, likeURI string) map[string]interface{} {
	return map[string]interface{}{
		"@context": activityStreamsNS,
		"id":       likeURI,
		"type":     "Like",
		"actor":    acc.ActorIRI(t.domain),
		"object":   objectIRI,
	}
}

// BuildDelete constructs a Delete carrying a Tombstone for a local object.
func (t *Translator) BuildDelete(acc *domain.Account, objectIRI string) map[string]interface{} {
	return map[string]interface{}{
		"@context": activityStreamsNS,
		"id":       t.NewActivityIRI(),
		"type":     "Delete",
		"actor":    acc.ActorIRI(t.domain),
		"to":       []string{publicCollection},
		"object": map[string]interface{}{
			"id":   objectIRI,
			"type": "Tombstone",
		},
	}
}

// BuildUndo wraps a previously sent activity in an Undo.
func (t *Translator) BuildUndo(acc *domain.Account, inner map[string]interface{}) map[string]interface{} {
	delete(inner, "@context")
	return map[string]interface{}{
		"@context": activityStreamsNS,
		"id":       t.NewActivityIRI(),
		"type":     "Undo",
		"actor":    acc.ActorIRI(t.domain),
		"object":   inner,
	}
}

package web

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/stantondev/inkwell/domain"
)

// GetActor renders the ActivityPub actor document for a local user.
func (s *Server) GetActor(username string) (map[string]interface{}, error) {
	err, acc := s.store.ReadAccByUsername(username)
	if err != nil || acc == nil {
		return nil, fmt.Errorf("no such user: %s", username)
	}

	d := s.conf.Conf.Domain
	actorIRI := acc.ActorIRI(d)

	displayName := acc.DisplayName
	if displayName == "" {
		displayName = acc.Username
	}

	actor := map[string]interface{}{
		"@context": []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                        actorIRI,
		"type":                      "Person",
		"preferredUsername":         acc.Username,
		"name":                      displayName,
		"summary":                   acc.Summary,
		"inbox":                     actorIRI + "/inbox",
		"outbox":                    actorIRI + "/outbox",
		"followers":                 acc.FollowersIRI(d),
		"following":                 actorIRI + "/following",
		"url":                       actorIRI,
		"manuallyApprovesFollowers": acc.ApprovesFollowers,
		"discoverable":              true,
		"endpoints": map[string]interface{}{
			"sharedInbox": fmt.Sprintf("https://%s/inbox", d),
		},
		"publicKey": map[string]interface{}{
			"id":           acc.KeyIRI(d),
			"owner":        actorIRI,
			"publicKeyPem": acc.PublicKeyPem,
		},
	}

	if acc.AvatarURL != "" {
		actor["icon"] = map[string]interface{}{
			"type": "Image",
			"url":  acc.AvatarURL,
		}
	}

	return actor, nil
}

// GetNoteObject renders a local entry as a standalone ActivityPub object.
// Deleted entries come back as a Tombstone, non-federating ones as not
// found.
func (s *Server) GetNoteObject(entryId uuid.UUID) (map[string]interface{}, error) {
	err, entry := s.store.ReadEntryById(entryId)
	if err != nil || entry == nil {
		return nil, fmt.Errorf("no such entry: %s", entryId)
	}

	if entry.DeletedAt != nil {
		return map[string]interface{}{
			"@context": "https://www.w3.org/ns/activitystreams",
			"id":       entry.ObjectURI,
			"type":     "Tombstone",
		}, nil
	}

	if entry.Visibility != domain.VisibilityPublic && entry.Visibility != domain.VisibilityUnlisted {
		return nil, fmt.Errorf("entry not visible: %s", entryId)
	}

	err, acc := s.store.ReadAccById(entry.AccountId)
	if err != nil || acc == nil {
		return nil, fmt.Errorf("no author for entry %s", entryId)
	}

	note := s.translator.BuildNote(entry, acc)
	note["@context"] = "https://www.w3.org/ns/activitystreams"
	return note, nil
}

package web

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/stantondev/inkwell/domain"
)

const outboxPageSize = 20

// GetOutbox renders the top-level OrderedCollection for a user's public
// entries. The first page is referenced, not inlined.
func (s *Server) GetOutbox(username string) (map[string]interface{}, error) {
	err, acc := s.store.ReadAccByUsername(username)
	if err != nil || acc == nil {
		return nil, fmt.Errorf("no such user: %s", username)
	}

	outboxIRI := acc.ActorIRI(s.conf.Conf.Domain) + "/outbox"
	return map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       outboxIRI,
		"type":     "OrderedCollection",
		"first":    outboxIRI + "?page=1",
	}, nil
}

// GetOutboxPage renders one page of Create activities wrapping the user's
// public entries, newest first.
func (s *Server) GetOutboxPage(username string, page int) (map[string]interface{}, error) {
	err, acc := s.store.ReadAccByUsername(username)
	if err != nil || acc == nil {
		return nil, fmt.Errorf("no such user: %s", username)
	}

	if page < 1 {
		page = 1
	}
	offset := (page - 1) * outboxPageSize

	err, entries := s.store.ReadPublicEntriesByUsername(username, outboxPageSize, offset)
	if err != nil {
		return nil, err
	}

	items := make([]interface{}, 0, len(*entries))
	for i := range *entries {
		entry := &(*entries)[i]
		if entry.ObjectURI == "" {
			continue
		}
		create, err := s.translator.BuildCreate(entry, acc)
		if err != nil {
			continue
		}
		delete(create, "@context")
		items = append(items, create)
	}

	outboxIRI := acc.ActorIRI(s.conf.Conf.Domain) + "/outbox"
	result := map[string]interface{}{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           fmt.Sprintf("%s?page=%d", outboxIRI, page),
		"type":         "OrderedCollectionPage",
		"partOf":       outboxIRI,
		"orderedItems": items,
	}
	if len(*entries) == outboxPageSize {
		result["next"] = fmt.Sprintf("%s?page=%d", outboxIRI, page+1)
	}
	return result, nil
}

// GetFollowers renders the followers collection. Only the count is
// exposed, not the member list.
func (s *Server) GetFollowers(username string) (map[string]interface{}, error) {
	return s.followCollection(username, "/followers", s.store.ReadFollowersOf)
}

// GetFollowing renders the following collection, count only.
func (s *Server) GetFollowing(username string) (map[string]interface{}, error) {
	return s.followCollection(username, "/following", s.store.ReadFollowingOf)
}

func (s *Server) followCollection(username string, suffix string, read func(id uuid.UUID) (error, *[]domain.Follow)) (map[string]interface{}, error) {
	err, acc := s.store.ReadAccByUsername(username)
	if err != nil || acc == nil {
		return nil, fmt.Errorf("no such user: %s", username)
	}

	err, follows := read(acc.Id)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"@context":   "https://www.w3.org/ns/activitystreams",
		"id":         acc.ActorIRI(s.conf.Conf.Domain) + suffix,
		"type":       "OrderedCollection",
		"totalItems": len(*follows),
	}, nil
}

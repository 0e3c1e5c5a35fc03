package web

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/feeds"
)

const feedPageSize = 50

// GetRSS renders the RSS feed of a user's public entries.
func (s *Server) GetRSS(username string) (string, error) {
	err, acc := s.store.ReadAccByUsername(username)
	if err != nil || acc == nil {
		return "", errors.New("no such user")
	}

	err, entries := s.store.ReadPublicEntriesByUsername(username, feedPageSize, 0)
	if err != nil {
		return "", errors.New("error retrieving entries")
	}

	d := s.conf.Conf.Domain
	link := fmt.Sprintf("https://%s/feed?username=%s", d, username)
	email := fmt.Sprintf("%s@%s", username, d)

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("Inkwell Journal - %s", username),
		Link:        &feeds.Link{Href: link},
		Description: fmt.Sprintf("public journal entries of %s", username),
		Author:      &feeds.Author{Name: username, Email: email},
		Created:     time.Now(),
	}

	var feedItems []*feeds.Item
	for _, entry := range *entries {
		title := entry.Title
		if title == "" {
			title = entry.CreatedAt.Format("2006-01-02 15:04")
		}
		feedItems = append(feedItems,
			&feeds.Item{
				Id:      entry.Id.String(),
				Title:   title,
				Link:    &feeds.Link{Href: fmt.Sprintf("https://%s/notes/%s", d, entry.Id)},
				Content: entry.Content,
				Author:  &feeds.Author{Name: username, Email: email},
				Created: entry.CreatedAt,
			})
	}

	feed.Items = feedItems
	return feed.ToRss()
}

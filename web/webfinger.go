package web

import (
	"fmt"
	"strings"

	"github.com/stantondev/inkwell/activitypub"
)

// GetWebfinger resolves a local acct: resource to its JRD. The resource
// must name a user on this server's domain.
func (s *Server) GetWebfinger(resource string) (*activitypub.JRD, error) {
	d := s.conf.Conf.Domain

	acct := strings.TrimPrefix(resource, "acct:")
	username, host, found := strings.Cut(acct, "@")
	if !found || host != d {
		return nil, fmt.Errorf("resource not on this server: %s", resource)
	}

	err, acc := s.store.ReadAccByUsername(username)
	if err != nil || acc == nil {
		return nil, fmt.Errorf("no such user: %s", username)
	}

	return &activitypub.JRD{
		Subject: fmt.Sprintf("acct:%s@%s", acc.Username, d),
		Links: []activitypub.JRDLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: acc.ActorIRI(d),
			},
			{
				Rel:  "http://webfinger.net/rel/profile-page",
				Type: "text/html",
				Href: acc.ActorIRI(d),
			},
		},
	}, nil
}

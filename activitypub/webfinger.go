package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

var ErrMalformedResponse = errors.New("malformed webfinger response")

// JRD is a JSON Resource Descriptor, the WebFinger response shape.
type JRD struct {
	Subject string    `json:"subject"`
	Links   []JRDLink `json:"links"`
}

type JRDLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// LookupRemote resolves a user@domain handle to an actor IRI by querying
// the remote host's WebFinger endpoint and extracting the self link of
// type application/activity+json.
func LookupRemote(ctx context.Context, client *http.Client, acct string) (string, error) {
	acct = strings.TrimPrefix(acct, "acct:")
	acct = strings.TrimPrefix(acct, "@")

	parts := strings.Split(acct, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: invalid handle %q", ErrNotFound, acct)
	}
	username, host := parts[0], parts[1]

	query := url.Values{}
	query.Set("resource", fmt.Sprintf("acct:%s@%s", username, host))
	wfURL := fmt.Sprintf("https://%s/.well-known/webfinger?%s", host, query.Encode())

	req, err := http.NewRequestWithContext(ctx, "GET", wfURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return "", fmt.Errorf("%w: %s", ErrNotFound, acct)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrFetch, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<18))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}

	var jrd JRD
	if err := json.Unmarshal(body, &jrd); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	for _, link := range jrd.Links {
		if link.Rel == "self" && link.Type == "application/activity+json" && link.Href != "" {
			return link.Href, nil
		}
	}

	return "", fmt.Errorf("%w: no self link for %s", ErrMalformedResponse, acct)
}

package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stantondev/inkwell/db"
	"github.com/stantondev/inkwell/domain"
	"github.com/stantondev/inkwell/metrics"
	"github.com/stantondev/inkwell/util"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrFetch        = errors.New("remote fetch failed")
	ErrInvalidActor = errors.New("invalid actor document")
)

// actorCacheTTL is how long a cached remote actor stays fresh before a
// reference triggers a re-fetch.
const actorCacheTTL = 24 * time.Hour

const fetchTimeout = 10 * time.Second

// ActorResponse represents the JSON structure of an ActivityPub actor.
type ActorResponse struct {
	Context           interface{} `json:"@context"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Summary           string      `json:"summary"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	Icon struct {
		Type      string `json:"type"`
		MediaType string `json:"mediaType"`
		URL       string `json:"url"`
	} `json:"icon"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// Resolver maps local usernames and remote IRIs to actor records. Remote
// resolution goes through the cache; concurrent misses for the same IRI
// collapse into a single fetch.
type Resolver struct {
	store   *db.Store
	conf    *util.AppConfig
	log     *zap.Logger
	metrics *metrics.Metrics
	client  *http.Client
	flight  singleflight.Group

	// identity used to self-sign actor fetches; many servers reject
	// unsigned GETs. Optional.
	signKeyId string
	signKey   *rsa.PrivateKey
}

func NewResolver(store *db.Store, conf *util.AppConfig, log *zap.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{
		store:   store,
		conf:    conf,
		log:     log,
		metrics: m,
		client:  &http.Client{Timeout: fetchTimeout},
	}
}

// SignFetchesAs makes the resolver sign outgoing actor fetches with the
// given local account's key.
func (r *Resolver) SignFetchesAs(acc *domain.Account) error {
	key, err := ParsePrivateKey(acc.PrivateKeyPem)
	if err != nil {
		return err
	}
	r.signKeyId = acc.KeyIRI(r.conf.Conf.Domain)
	r.signKey = key
	return nil
}

// ResolveLocal constructs the actor view of a local user.
func (r *Resolver) ResolveLocal(username string) (*domain.Account, error) {
	err, acc := r.store.ReadAccByUsername(username)
	if err != nil || acc == nil {
		return nil, fmt.Errorf("%w: local user %s", ErrNotFound, username)
	}
	return acc, nil
}

// ResolveRemote returns the actor record for an IRI, fetching and caching
// on miss or staleness. The boolean is true when the returned record is a
// stale cached copy served because a refresh failed (availability over
// strict freshness).
func (r *Resolver) ResolveRemote(ctx context.Context, actorURI string) (*domain.RemoteAccount, bool, error) {
	err, cached := r.store.ReadRemoteAccountByURI(actorURI)
	if err == nil && cached != nil && time.Since(cached.LastFetchedAt) < actorCacheTTL {
		r.metrics.ActorResolutions.WithLabelValues("hit").Inc()
		return cached, false, nil
	}

	// Single-flight: concurrent resolvers for the same uncached IRI
	// share one outbound fetch.
	fetched, fetchErr, _ := r.flight.Do(actorURI, func() (interface{}, error) {
		return r.fetchRemoteActor(ctx, actorURI)
	})
	if fetchErr != nil {
		if cached != nil {
			r.log.Warn("serving stale actor after failed refresh",
				zap.String("actor", actorURI), zap.Error(fetchErr))
			r.metrics.ActorResolutions.WithLabelValues("degraded").Inc()
			return cached, true, nil
		}
		r.metrics.ActorResolutions.WithLabelValues("error").Inc()
		return nil, false, fetchErr
	}

	r.metrics.ActorResolutions.WithLabelValues("fetched").Inc()
	return fetched.(*domain.RemoteAccount), false, nil
}

// Refresh re-fetches an actor document regardless of cache freshness.
// Used when a remote server announces a profile update.
func (r *Resolver) Refresh(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	fetched, err, _ := r.flight.Do(actorURI, func() (interface{}, error) {
		return r.fetchRemoteActor(ctx, actorURI)
	})
	if err != nil {
		return nil, err
	}
	return fetched.(*domain.RemoteAccount), nil
}

// ResolveHandle resolves a user@domain handle via WebFinger, then the
// resulting actor IRI.
func (r *Resolver) ResolveHandle(ctx context.Context, acct string) (*domain.RemoteAccount, error) {
	actorURI, err := LookupRemote(ctx, r.client, acct)
	if err != nil {
		return nil, err
	}
	acc, _, err := r.ResolveRemote(ctx, actorURI)
	return acc, err
}

// PublicKeyFor resolves a signature keyId to the owning actor's public
// key. Used as the verification callback for inbound requests; a cache
// miss triggers an actor fetch.
func (r *Resolver) PublicKeyFor(ctx context.Context) KeyResolver {
	return func(keyId string) (*rsa.PublicKey, error) {
		actorURI := strings.Split(keyId, "#")[0]
		acc, _, err := r.ResolveRemote(ctx, actorURI)
		if err != nil {
			return nil, err
		}
		return ParsePublicKey(acc.PublicKeyPem)
	}
}

// fetchRemoteActor performs the (self-signed) GET for an actor document,
// validates it and upserts the cache.
func (r *Resolver) fetchRemoteActor(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", actorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", util.GetNameAndVersion())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	if r.signKey != nil {
		if err := SignRequest(req, nil, r.signKey, r.signKeyId); err != nil {
			return nil, err
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrFetch, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	var actor ActorResponse
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidActor, err)
	}

	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("%w: missing required fields", ErrInvalidActor)
	}

	domainName, err := extractDomain(actor.ID)
	if err != nil {
		return nil, err
	}

	remoteAcc := &domain.RemoteAccount{
		Id:             uuid.New(),
		Username:       actor.PreferredUsername,
		Domain:         domainName,
		ActorURI:       actor.ID,
		DisplayName:    actor.Name,
		Summary:        actor.Summary,
		InboxURI:       actor.Inbox,
		OutboxURI:      actor.Outbox,
		SharedInboxURI: actor.Endpoints.SharedInbox,
		PublicKeyPem:   actor.PublicKey.PublicKeyPem,
		AvatarURL:      actor.Icon.URL,
		LastFetchedAt:  time.Now(),
	}

	if err := r.store.UpsertRemoteAccount(remoteAcc); err != nil {
		return nil, fmt.Errorf("failed to store remote account: %w", err)
	}

	return remoteAcc, nil
}

// extractDomain extracts the host from an actor URI.
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("%w: invalid actor URI %q", ErrInvalidActor, actorURI)
	}
	return parsed.Host, nil
}

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account represents a local user whose federation the service handles.
// The private key never leaves the data layer except for signing.
type Account struct {
	Id                uuid.UUID
	Username          string
	DisplayName       string
	Summary           string
	AvatarURL         string
	PublicKeyPem      string
	PrivateKeyPem     string
	ApprovesFollowers bool // incoming follows stay pending until approved
	CreatedAt         time.Time
}

func (acc *Account) ActorIRI(domain string) string {
	return fmt.Sprintf("https://%s/users/%s", domain, acc.Username)
}

func (acc *Account) KeyIRI(domain string) string {
	return acc.ActorIRI(domain) + "#main-key"
}

func (acc *Account) FollowersIRI(domain string) string {
	return acc.ActorIRI(domain) + "/followers"
}

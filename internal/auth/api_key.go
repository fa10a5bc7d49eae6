package auth

import (
	"context"
	"crypto/subtle"
	"sort"
)

// APIKeyProvider maps static per-user keys to user ids. Every configured key
// is compared so timing does not reveal which user matched.
type APIKeyProvider struct {
	users []string
	keys  [][]byte
}

func NewAPIKeyProvider(keysByUser map[string]string) *APIKeyProvider {
	p := &APIKeyProvider{}
	for user := range keysByUser {
		p.users = append(p.users, user)
	}
	sort.Strings(p.users)
	for _, user := range p.users {
		p.keys = append(p.keys, []byte(keysByUser[user]))
	}
	return p
}

func (p *APIKeyProvider) VerifyBearer(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingCredentials
	}
	match := -1
	for i, key := range p.keys {
		if len(key) == 0 {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(token), key) == 1 {
			match = i
		}
	}
	if match < 0 {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{UserID: p.users[match]}, nil
}

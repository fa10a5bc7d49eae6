package jointoken

import (
	"errors"
	"strings"
)

// InsecureDevSecret is used only outside production when no secret is
// configured. Startup logs a warning whenever it is in effect.
const InsecureDevSecret = "insecure-dev-join-token-secret-do-not-use-in-production"

// MinProdSecretLen is the minimum secret length accepted in production.
const MinProdSecretLen = 32

var (
	ErrSecretRequired = errors.New("join token secret is required in production")
	ErrSecretTooShort = errors.New("join token secret is too short for production")
	ErrInsecureSecret = errors.New("the insecure development join token secret cannot be used in production")
)

// ResolveSecret applies the fail-closed policy: production must supply an
// explicit, sufficiently long secret; other modes fall back to
// InsecureDevSecret and report insecure=true.
func ResolveSecret(production bool, raw string) (secret []byte, insecure bool, err error) {
	raw = strings.TrimSpace(raw)
	if production {
		switch {
		case raw == "":
			return nil, false, ErrSecretRequired
		case raw == InsecureDevSecret:
			return nil, false, ErrInsecureSecret
		case len(raw) < MinProdSecretLen:
			return nil, false, ErrSecretTooShort
		}
		return []byte(raw), false, nil
	}
	if raw == "" {
		return []byte(InsecureDevSecret), true, nil
	}
	return []byte(raw), raw == InsecureDevSecret, nil
}

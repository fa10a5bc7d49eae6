// Package jointoken issues and verifies the signed, expiring, one-time
// capabilities that admit a user into a specific room of a specific call.
//
// Wire form: base64url(json claims) "." base64url(HMAC-SHA256(secret, first segment)).
package jointoken

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/ttlcache"
)

// MinTTL is the floor for configured token lifetimes.
const MinTTL = 30 * time.Second

const (
	sigLen       = sha256.Size
	sigB64Len    = 43
	maxClaimsLen = 2048
	maxTokenLen  = maxClaimsLen + 1 + sigB64Len
)

var (
	ErrMalformed    = errors.New("jointoken: malformed token")
	ErrBadSignature = errors.New("jointoken: bad signature")
	ErrExpired      = errors.New("jointoken: token expired")
	ErrReplayed     = errors.New("jointoken: token already used")
	ErrMismatch     = errors.New("jointoken: token does not match join request")
	// ErrReplayCacheFull means every replay slot holds a live jti. Tokens
	// are refused until entries expire; a used jti is never forgotten early.
	ErrReplayCacheFull = errors.New("jointoken: replay cache full")
)

type Claims struct {
	RoomID string `json:"roomId"`
	CallID string `json:"callId"`
	UserID string `json:"userId"`
	JTI    string `json:"jti"`
	Exp    int64  `json:"exp"`
}

// Expect is the identity and target the joining connection claims.
type Expect struct {
	RoomID string
	CallID string
	UserID string
}

type Config struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
	// MaxReplayEntries bounds the replay cache; <= 0 is unbounded. When
	// the cache is full Verify fails with ErrReplayCacheFull.
	MaxReplayEntries int
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	replay *ttlcache.Cache
}

func New(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("jointoken: secret must not be empty")
	}
	if cfg.TTL < MinTTL {
		return nil, fmt.Errorf("jointoken: ttl %s is below the %s minimum", cfg.TTL, MinTTL)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		secret: append([]byte(nil), cfg.Secret...),
		ttl:    cfg.TTL,
		now:    now,
		// A jti only needs remembering while the token could still verify.
		replay: ttlcache.NewWithClock(cfg.TTL, cfg.MaxReplayEntries, now),
	}, nil
}

// ReplayCache is exposed for the periodic sweeper.
func (i *Issuer) ReplayCache() *ttlcache.Cache { return i.replay }

func (i *Issuer) TTL() time.Duration { return i.ttl }

func (i *Issuer) Issue(roomID, callID, userID string) (string, Claims, error) {
	if roomID == "" || callID == "" || userID == "" {
		return "", Claims{}, fmt.Errorf("jointoken: roomId, callId and userId are required")
	}
	claims := Claims{
		RoomID: roomID,
		CallID: callID,
		UserID: userID,
		JTI:    uuid.NewString(),
		Exp:    i.now().Add(i.ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", Claims{}, fmt.Errorf("jointoken: marshal claims: %w", err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	sig := base64.RawURLEncoding.EncodeToString(i.sign(payloadB64))
	return payloadB64 + "." + sig, claims, nil
}

// Verify checks signature, expiry, one-time use and the (room, call, user)
// binding. A token is consumed by the first Verify that gets past the
// signature and expiry checks, even if it then fails the binding check.
func (i *Issuer) Verify(token string, want Expect) (Claims, error) {
	payloadB64, sigB64, ok := split(token)
	if !ok {
		return Claims{}, ErrMalformed
	}
	gotSig, err := base64.RawURLEncoding.Strict().DecodeString(sigB64)
	if err != nil || len(gotSig) != sigLen {
		return Claims{}, ErrMalformed
	}
	if !hmac.Equal(gotSig, i.sign(payloadB64)) {
		return Claims{}, ErrBadSignature
	}

	payload, err := base64.RawURLEncoding.Strict().DecodeString(payloadB64)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	var claims Claims
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&claims); err != nil {
		return Claims{}, ErrMalformed
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Claims{}, ErrMalformed
	}

	if i.now().Unix() >= claims.Exp {
		return Claims{}, ErrExpired
	}
	if len(claims.JTI) != 36 {
		return Claims{}, ErrMalformed
	}
	if _, err := uuid.Parse(claims.JTI); err != nil {
		return Claims{}, ErrMalformed
	}
	// The jti is remembered until the token itself expires.
	added, err := i.replay.Reserve(claims.JTI, time.Unix(claims.Exp, 0))
	if err != nil {
		return Claims{}, ErrReplayCacheFull
	}
	if !added {
		return Claims{}, ErrReplayed
	}

	if claims.RoomID == "" || claims.CallID == "" || claims.UserID == "" {
		return Claims{}, ErrMismatch
	}
	if claims.RoomID != want.RoomID || claims.CallID != want.CallID || claims.UserID != want.UserID {
		return Claims{}, ErrMismatch
	}
	return claims, nil
}

func (i *Issuer) sign(payloadB64 string) []byte {
	mac := hmac.New(sha256.New, i.secret)
	_, _ = mac.Write([]byte(payloadB64))
	return mac.Sum(nil)
}

func split(token string) (payloadB64, sigB64 string, ok bool) {
	if token == "" || len(token) > maxTokenLen {
		return "", "", false
	}
	payloadB64, sigB64, found := strings.Cut(token, ".")
	if !found || payloadB64 == "" || len(sigB64) != sigB64Len {
		return "", "", false
	}
	if strings.Contains(sigB64, ".") || len(payloadB64) > maxClaimsLen {
		return "", "", false
	}
	return payloadB64, sigB64, true
}

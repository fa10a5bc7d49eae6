// Package turnrest mints coturn-compatible ephemeral TURN credentials (the
// static-auth-secret scheme):
//
//	username   = <unix expiry>:<prefix>:<subject>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	Now            func() time.Time
}

type Minter struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func New(cfg Config) (*Minter, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if cfg.TTL < time.Second {
		return nil, errors.New("turnrest: ttl must be at least 1s")
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Minter{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

// Mint issues credentials bound to subject. ':' separates the username
// fields, so it is replaced in subject; an empty subject gets a random one.
func (m *Minter) Mint(subject string) (Credentials, error) {
	subject = strings.ReplaceAll(subject, ":", "_")
	if subject == "" {
		var b [16]byte
		if _, err := rand.Read(b[:]); err != nil {
			return Credentials{}, fmt.Errorf("turnrest: random subject: %w", err)
		}
		subject = hex.EncodeToString(b[:])
	}
	expires := m.now().UTC().Add(m.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), m.prefix, subject)
	return Credentials{
		Username:   username,
		Credential: sign(m.secret, username),
		Expires:    expires,
	}, nil
}

// Apply returns a copy of servers where every TURN entry carries creds. STUN
// entries are left untouched.
func Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, s := range servers {
		out[i] = s
		if isTURN(s) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}

func isTURN(s webrtc.ICEServer) bool {
	for _, raw := range s.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

const (
	hmacSHA256SigLen    = 32
	hmacSHA256SigB64Len = 43
	maxJWTHeaderB64Len  = 4 * 1024
	maxJWTPayloadB64Len = 16 * 1024
	maxJWTLen           = maxJWTHeaderB64Len + 1 + maxJWTPayloadB64Len + 1 + hmacSHA256SigB64Len
)

type JWTOptions struct {
	Secret string
	// Issuer and Audience are enforced when non-empty.
	Issuer   string
	Audience string
}

// JWTProvider verifies HS256 access tokens and uses the sub claim as the
// user id.
type JWTProvider struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

func NewJWTProvider(opts JWTOptions) *JWTProvider {
	return &JWTProvider{
		secret:   []byte(opts.Secret),
		issuer:   opts.Issuer,
		audience: opts.Audience,
		now:      time.Now,
	}
}

func (p *JWTProvider) VerifyBearer(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingCredentials
	}
	claims, err := p.verify(token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: claims.Sub, ExpiresAt: time.Unix(claims.Exp, 0)}, nil
}

type jwtClaims struct {
	Sub string
	Exp int64
}

func (p *JWTProvider) verify(token string) (jwtClaims, error) {
	headerB64, payloadB64, sigB64, ok := splitJWTParts(token)
	if !ok {
		return jwtClaims{}, ErrInvalidCredentials
	}

	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := decodeSegment(headerB64, &header); err != nil {
		return jwtClaims{}, ErrInvalidCredentials
	}
	if header.Alg != "HS256" {
		return jwtClaims{}, ErrUnsupportedJWT
	}

	gotSig, err := b64.DecodeString(sigB64)
	if err != nil || len(gotSig) != hmacSHA256SigLen {
		return jwtClaims{}, ErrInvalidCredentials
	}
	mac := hmac.New(sha256.New, p.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	if !hmac.Equal(gotSig, mac.Sum(nil)) {
		return jwtClaims{}, ErrInvalidCredentials
	}

	var claims map[string]any
	if err := decodeSegment(payloadB64, &claims); err != nil {
		return jwtClaims{}, ErrInvalidCredentials
	}

	now := p.now().Unix()
	exp, err := requiredUnix(claims, "exp")
	if err != nil || now >= exp {
		return jwtClaims{}, ErrInvalidCredentials
	}
	if _, err := requiredUnix(claims, "iat"); err != nil {
		return jwtClaims{}, ErrInvalidCredentials
	}
	if _, ok := claims["nbf"]; ok {
		nbf, err := requiredUnix(claims, "nbf")
		if err != nil || now < nbf {
			return jwtClaims{}, ErrInvalidCredentials
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" || len(sub) > 128 {
		return jwtClaims{}, ErrInvalidCredentials
	}
	if p.issuer != "" {
		if iss, _ := claims["iss"].(string); iss != p.issuer {
			return jwtClaims{}, ErrInvalidCredentials
		}
	}
	if p.audience != "" && !audienceContains(claims["aud"], p.audience) {
		return jwtClaims{}, ErrInvalidCredentials
	}
	return jwtClaims{Sub: sub, Exp: exp}, nil
}

// b64 rejects padding and non-zero trailing bits so each token has exactly
// one accepted encoding.
var b64 = base64.RawURLEncoding.Strict()

func decodeSegment(seg string, v any) error {
	raw, err := b64.DecodeString(seg)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

func requiredUnix(claims map[string]any, key string) (int64, error) {
	n, ok := claims[key].(json.Number)
	if !ok {
		return 0, fmt.Errorf("missing or non-numeric %s", key)
	}
	return n.Int64()
}

func audienceContains(raw any, want string) bool {
	switch aud := raw.(type) {
	case string:
		return aud == want
	case []any:
		for _, v := range aud {
			if s, ok := v.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

func splitJWTParts(token string) (headerB64, payloadB64, sigB64 string, ok bool) {
	if token == "" || len(token) > maxJWTLen {
		return "", "", "", false
	}
	headerB64, rest, found := strings.Cut(token, ".")
	if !found {
		return "", "", "", false
	}
	payloadB64, sigB64, found = strings.Cut(rest, ".")
	if !found || strings.Contains(sigB64, ".") {
		return "", "", "", false
	}
	if headerB64 == "" || payloadB64 == "" || len(sigB64) != hmacSHA256SigB64Len {
		return "", "", "", false
	}
	if len(headerB64) > maxJWTHeaderB64Len || len(payloadB64) > maxJWTPayloadB64Len {
		return "", "", "", false
	}
	return headerB64, payloadB64, sigB64, true
}

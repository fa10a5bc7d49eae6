package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/config"
)

func TestAPIKeyProvider(t *testing.T) {
	p := NewAPIKeyProvider(map[string]string{"svc-a": "key-a", "svc-b": "key-b", "disabled": ""})

	id, err := p.VerifyBearer(context.Background(), "key-b")
	if err != nil || id.UserID != "svc-b" {
		t.Fatalf("VerifyBearer(key-b)=%+v,%v", id, err)
	}
	if _, err := p.VerifyBearer(context.Background(), "key-c"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want ErrInvalidCredentials", err)
	}
	if _, err := p.VerifyBearer(context.Background(), ""); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("err=%v, want ErrMissingCredentials", err)
	}
}

type countingProvider struct {
	calls atomic.Int32
	id    Identity
	err   error
}

func (c *countingProvider) VerifyBearer(context.Context, string) (Identity, error) {
	c.calls.Add(1)
	return c.id, c.err
}

func TestCachedProvider_CachesSuccessOnly(t *testing.T) {
	inner := &countingProvider{id: Identity{UserID: "u"}}
	p := NewCachedProvider(inner, time.Minute, 0)

	for i := 0; i < 3; i++ {
		id, err := p.VerifyBearer(context.Background(), "tok")
		if err != nil || id.UserID != "u" {
			t.Fatalf("VerifyBearer=%+v,%v", id, err)
		}
	}
	if inner.calls.Load() != 1 {
		t.Fatalf("inner calls=%d, want 1", inner.calls.Load())
	}

	failing := &countingProvider{err: ErrInvalidCredentials}
	p = NewCachedProvider(failing, time.Minute, 0)
	for i := 0; i < 2; i++ {
		if _, err := p.VerifyBearer(context.Background(), "bad"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("err=%v", err)
		}
	}
	if failing.calls.Load() != 2 {
		t.Fatalf("failing calls=%d, want 2", failing.calls.Load())
	}
}

func TestCachedProvider_RespectsCredentialExpiry(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	inner := &countingProvider{id: Identity{UserID: "u", ExpiresAt: now.Add(10 * time.Second)}}
	p := NewCachedProvider(inner, time.Hour, 0)
	p.now = func() time.Time { return now }

	if _, err := p.VerifyBearer(context.Background(), "tok"); err != nil {
		t.Fatalf("VerifyBearer: %v", err)
	}
	now = now.Add(11 * time.Second)
	if _, err := p.VerifyBearer(context.Background(), "tok"); err != nil {
		t.Fatalf("VerifyBearer: %v", err)
	}
	if inner.calls.Load() != 2 {
		t.Fatalf("inner calls=%d, want 2 (cached identity outlived its token)", inner.calls.Load())
	}
}

func TestInsecureProvider(t *testing.T) {
	id, err := InsecureProvider{}.VerifyBearer(context.Background(), " alice ")
	if err != nil || id.UserID != "alice" {
		t.Fatalf("VerifyBearer=%+v,%v", id, err)
	}
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(config.Config{
		AuthMode:     config.AuthModeAPIKey,
		APIKeys:      []config.APIKey{{UserID: "svc", Key: "k"}},
		AuthCacheTTL: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if _, ok := p.(*CachedProvider); !ok {
		t.Fatalf("provider=%T, want *CachedProvider", p)
	}
	if id, err := p.VerifyBearer(context.Background(), "k"); err != nil || id.UserID != "svc" {
		t.Fatalf("VerifyBearer=%+v,%v", id, err)
	}

	if _, err := NewProvider(config.Config{AuthMode: "bogus"}); err == nil {
		t.Fatalf("expected error for unsupported mode")
	}
}

func TestBearerFromRequest(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/join-tokens", nil)
	if _, err := BearerFromRequest(r); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("err=%v, want ErrMissingCredentials", err)
	}
	r.Header.Set("Authorization", "Basic abc")
	if _, err := BearerFromRequest(r); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want ErrInvalidCredentials", err)
	}
	r.Header.Set("Authorization", "bearer tok")
	if tok, err := BearerFromRequest(r); err != nil || tok != "tok" {
		t.Fatalf("BearerFromRequest=%q,%v", tok, err)
	}
}

package jointoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestIssuer(t *testing.T, now *time.Time) *Issuer {
	t.Helper()
	iss, err := New(Config{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
		TTL:    time.Minute,
		Now:    func() time.Time { return *now },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return iss
}

var want = Expect{RoomID: "room-1", CallID: "call-1", UserID: "user-1"}

func TestIssueVerify_RoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	iss := newTestIssuer(t, &now)

	token, issued, err := iss.Issue("room-1", "call-1", "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if issued.Exp != now.Add(time.Minute).Unix() {
		t.Fatalf("exp=%d, want %d", issued.Exp, now.Add(time.Minute).Unix())
	}

	claims, err := iss.Verify(token, want)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims != issued {
		t.Fatalf("claims=%+v, want %+v", claims, issued)
	}
}

func TestVerify_OneTimeUse(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	iss := newTestIssuer(t, &now)
	token, _, _ := iss.Issue("room-1", "call-1", "user-1")

	if _, err := iss.Verify(token, want); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := iss.Verify(token, want); !errors.Is(err, ErrReplayed) {
			t.Fatalf("Verify #%d err=%v, want ErrReplayed", i+2, err)
		}
	}
}

func TestVerify_ConcurrentUseHasSingleWinner(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	iss := newTestIssuer(t, &now)
	token, _, _ := iss.Issue("room-1", "call-1", "user-1")

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := iss.Verify(token, want); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 {
		t.Fatalf("successful verifications=%d, want 1", ok.Load())
	}
}

func TestVerify_Expired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	iss := newTestIssuer(t, &now)
	token, _, _ := iss.Issue("room-1", "call-1", "user-1")

	now = now.Add(time.Minute)
	if _, err := iss.Verify(token, want); !errors.Is(err, ErrExpired) {
		t.Fatalf("err=%v, want ErrExpired", err)
	}
	// Expiry wins regardless of first use.
	if _, err := iss.Verify(token, want); !errors.Is(err, ErrExpired) {
		t.Fatalf("err=%v, want ErrExpired", err)
	}
}

func TestVerify_Mismatch(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	iss := newTestIssuer(t, &now)

	for _, tc := range []Expect{
		{RoomID: "room-2", CallID: "call-1", UserID: "user-1"},
		{RoomID: "room-1", CallID: "call-2", UserID: "user-1"},
		{RoomID: "room-1", CallID: "call-1", UserID: "user-2"},
	} {
		token, _, _ := iss.Issue("room-1", "call-1", "user-1")
		if _, err := iss.Verify(token, tc); !errors.Is(err, ErrMismatch) {
			t.Fatalf("Verify(%+v) err=%v, want ErrMismatch", tc, err)
		}
	}
}

func TestVerify_RejectsTampering(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	iss := newTestIssuer(t, &now)
	token, _, _ := iss.Issue("room-1", "call-1", "user-1")
	payload, sig, _ := strings.Cut(token, ".")

	forged, _ := json.Marshal(Claims{RoomID: "room-1", CallID: "call-1", UserID: "admin", JTI: "6f1c2d3e-4a5b-4c6d-8e9f-0a1b2c3d4e5f", Exp: now.Add(time.Hour).Unix()})
	forgedB64 := base64.RawURLEncoding.EncodeToString(forged)

	cases := map[string]error{
		"":                         ErrMalformed,
		"no-dot":                   ErrMalformed,
		payload + ".":              ErrMalformed,
		payload + "." + sig[:42]:   ErrMalformed,
		payload + "." + sig + ".x": ErrMalformed,
		forgedB64 + "." + sig:      ErrBadSignature,
	}
	for tok, wantErr := range cases {
		if _, err := iss.Verify(tok, want); !errors.Is(err, wantErr) {
			t.Fatalf("Verify(%q) err=%v, want %v", tok, err, wantErr)
		}
	}
}

func TestVerify_RejectsBadJTI(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	iss := newTestIssuer(t, &now)

	payload, _ := json.Marshal(Claims{RoomID: "room-1", CallID: "call-1", UserID: "user-1", JTI: "not-a-uuid", Exp: now.Add(time.Minute).Unix()})
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte("0123456789abcdef0123456789abcdef"))
	_, _ = mac.Write([]byte(payloadB64))
	token := payloadB64 + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	if _, err := iss.Verify(token, want); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err=%v, want ErrMalformed", err)
	}
}

func TestReplayCacheIsSweptAfterTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	iss := newTestIssuer(t, &now)
	token, _, _ := iss.Issue("room-1", "call-1", "user-1")
	if _, err := iss.Verify(token, want); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if iss.ReplayCache().Len() != 1 {
		t.Fatalf("replay cache len=%d, want 1", iss.ReplayCache().Len())
	}
	now = now.Add(2 * time.Minute)
	iss.ReplayCache().Sweep()
	if iss.ReplayCache().Len() != 0 {
		t.Fatalf("replay cache len=%d after sweep, want 0", iss.ReplayCache().Len())
	}
}

func TestNew_EnforcesTTLFloor(t *testing.T) {
	if _, err := New(Config{Secret: []byte("s"), TTL: 29 * time.Second}); err == nil {
		t.Fatalf("expected ttl floor error")
	}
	if _, err := New(Config{TTL: time.Minute}); err == nil {
		t.Fatalf("expected empty secret error")
	}
}

func TestResolveSecret(t *testing.T) {
	long := strings.Repeat("k", MinProdSecretLen)

	if _, _, err := ResolveSecret(true, ""); !errors.Is(err, ErrSecretRequired) {
		t.Fatalf("prod empty err=%v, want ErrSecretRequired", err)
	}
	if _, _, err := ResolveSecret(true, "short"); !errors.Is(err, ErrSecretTooShort) {
		t.Fatalf("prod short err=%v, want ErrSecretTooShort", err)
	}
	if _, _, err := ResolveSecret(true, InsecureDevSecret); !errors.Is(err, ErrInsecureSecret) {
		t.Fatalf("prod dev secret err=%v, want ErrInsecureSecret", err)
	}
	if s, insecure, err := ResolveSecret(true, long); err != nil || insecure || string(s) != long {
		t.Fatalf("prod long=%q,%v,%v", s, insecure, err)
	}
	if s, insecure, err := ResolveSecret(false, ""); err != nil || !insecure || string(s) != InsecureDevSecret {
		t.Fatalf("dev empty=%q,%v,%v", s, insecure, err)
	}
	if s, insecure, err := ResolveSecret(false, "short"); err != nil || insecure || string(s) != "short" {
		t.Fatalf("dev explicit=%q,%v,%v", s, insecure, err)
	}
}

func TestVerify_FullReplayCacheFailsClosed(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	iss, err := New(Config{
		Secret:           []byte("0123456789abcdef0123456789abcdef"),
		TTL:              time.Minute,
		Now:              func() time.Time { return now },
		MaxReplayEntries: 2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	used, _, _ := iss.Issue("room-1", "call-1", "user-1")
	if _, err := iss.Verify(used, want); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	filler, _, _ := iss.Issue("room-1", "call-1", "user-1")
	if _, err := iss.Verify(filler, want); err != nil {
		t.Fatalf("Verify filler: %v", err)
	}
	overflow, _, _ := iss.Issue("room-1", "call-1", "user-1")
	if _, err := iss.Verify(overflow, want); !errors.Is(err, ErrReplayCacheFull) {
		t.Fatalf("Verify on full cache err=%v, want ErrReplayCacheFull", err)
	}
	if _, err := iss.Verify(used, want); !errors.Is(err, ErrReplayed) {
		t.Fatalf("reused token err=%v, want ErrReplayed", err)
	}

	// Slots free up once the remembered tokens have expired.
	now = now.Add(time.Minute + time.Second)
	fresh, _, _ := iss.Issue("room-1", "call-1", "user-1")
	if _, err := iss.Verify(fresh, want); err != nil {
		t.Fatalf("Verify after expiry: %v", err)
	}
}

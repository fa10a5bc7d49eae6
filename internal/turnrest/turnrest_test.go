package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func fixedMinter(t *testing.T, ttl time.Duration) *Minter {
	t.Helper()
	m, err := New(Config{
		SharedSecret:   "shared-secret",
		TTL:            ttl,
		UsernamePrefix: "call-gateway",
		Now:            func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestMint_Deterministic(t *testing.T) {
	m := fixedMinter(t, time.Hour)

	creds, err := m.Mint("device-1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	wantUsername := "1700003600:call-gateway:device-1"
	if creds.Username != wantUsername {
		t.Fatalf("Username: got %q, want %q", creds.Username, wantUsername)
	}
	if creds.Expires.Unix() != 1_700_003_600 {
		t.Fatalf("Expires: got %d", creds.Expires.Unix())
	}

	mac := hmac.New(sha1.New, []byte("shared-secret"))
	mac.Write([]byte(wantUsername))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); creds.Credential != want {
		t.Fatalf("Credential: got %q, want %q", creds.Credential, want)
	}
}

func TestMint_SubjectSanitized(t *testing.T) {
	m := fixedMinter(t, time.Minute)

	creds, err := m.Mint("user:with:colons")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if got := strings.Count(creds.Username, ":"); got != 2 {
		t.Fatalf("username %q has %d separators, want 2", creds.Username, got)
	}

	anon, err := m.Mint("")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	parts := strings.Split(anon.Username, ":")
	if len(parts) != 3 || len(parts[2]) != 32 {
		t.Fatalf("unexpected anonymous username %q", anon.Username)
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cases := []Config{
		{TTL: time.Hour, UsernamePrefix: "p"},
		{SharedSecret: "s", TTL: 0, UsernamePrefix: "p"},
		{SharedSecret: "s", TTL: time.Hour, UsernamePrefix: "a:b"},
		{SharedSecret: "s", TTL: time.Hour},
	}
	for i, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestApply_OnlyTURNServers(t *testing.T) {
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"TURN:turn.example.com:3478?transport=udp"}, Username: "static", Credential: "static"},
		{URLs: []string{"turns:turn.example.com:5349"}},
	}
	creds := Credentials{Username: "u", Credential: "c"}

	out := Apply(servers, creds)
	if out[0].Username != "" || out[0].Credential != nil {
		t.Fatalf("STUN server modified: %+v", out[0])
	}
	for _, s := range out[1:] {
		if s.Username != "u" || s.Credential != "c" {
			t.Fatalf("TURN server not updated: %+v", s)
		}
	}
	if servers[1].Username != "static" {
		t.Fatalf("input slice was mutated")
	}
	if got := Apply([]webrtc.ICEServer{}, creds); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

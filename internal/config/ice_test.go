package config

import "testing"

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
	  {"urls": ["stun:stun.example.com:3478"]},
	  {"urls": ["turn:turn.example.com:3478?transport=udp"], "username": "user", "credential": "pass"}
	]`

	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected stun urls: %#v", got)
	}
	if got := servers[1].Username; got != "user" {
		t.Fatalf("unexpected username: %q", got)
	}
	cred, ok := servers[1].Credential.(string)
	if !ok || cred != "pass" {
		t.Fatalf("unexpected credential: %#v", servers[1].Credential)
	}
}

func TestParseICEServersJSON_SupportsSingleStringURLs(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersJSON(`[{"urls": "stuns:stun.example.com:5349"}]`)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 1 || len(servers[0].URLs) != 1 || servers[0].URLs[0] != "stuns:stun.example.com:5349" {
		t.Fatalf("unexpected servers: %#v", servers)
	}
}

func TestParseICEServersJSON_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"turn without creds": `[{"urls": ["turn:turn.example.com:3478"]}]`,
		"unknown scheme":     `[{"urls": ["http://example.com"]}]`,
		"no urls":            `[{"urls": []}]`,
		"urls not strings":   `[{"urls": 7}]`,
		"not an array":       `{"urls": "stun:x"}`,
	}
	for name, raw := range cases {
		if _, err := ParseICEServersJSON(raw); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersFromConvenienceEnv(
		"stun:stun.example.com:3478",
		"turn:turn.example.com:3478?transport=udp, turns:turn.example.com:5349",
		"user",
		"pass",
	)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if servers[0].Username != "" || servers[0].Credential != nil {
		t.Fatalf("stun server should not have creds: %#v", servers[0])
	}
	if len(servers[1].URLs) != 2 || servers[1].Username != "user" {
		t.Fatalf("unexpected turn server: %#v", servers[1])
	}
	if servers[1].Credential.(string) != "pass" {
		t.Fatalf("unexpected turn credential: %#v", servers[1].Credential)
	}
}

func TestParseICEServersFromConvenienceEnv_RequiresTURNCreds(t *testing.T) {
	t.Parallel()

	if _, err := ParseICEServersFromConvenienceEnv("", "turn:turn.example.com:3478", "user", ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoad_ICEServersJSONWinsOverConvenienceEnv(t *testing.T) {
	cfg, err := load(devEnv(map[string]string{
		envICEServersJSON: `[{"urls": "stun:json.example.com"}]`,
		envStunURLs:       "stun:env.example.com",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:json.example.com" {
		t.Fatalf("ICEServers=%#v", cfg.ICEServers)
	}
}

func TestLoad_TURNRESTAllowsCredentiallessTURN(t *testing.T) {
	cfg, err := load(devEnv(map[string]string{
		envStunURLs:                "stun:stun.example.com",
		envTurnURLs:                "turn:turn.example.com:3478",
		envVarTURNRESTSharedSecret: "s3cret",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ICEServers) != 2 {
		t.Fatalf("ICEServers=%#v, want 2 entries", cfg.ICEServers)
	}
	if cfg.ICEServers[1].Username != "" {
		t.Fatalf("turn username=%q, want empty", cfg.ICEServers[1].Username)
	}

	pc := cfg.PeerConnectionICEServers()
	if len(pc) != 1 || pc[0].URLs[0] != "stun:stun.example.com" {
		t.Fatalf("PeerConnectionICEServers=%#v, want only the stun server", pc)
	}
}

func TestLoad_CredentiallessTURNRequiresTURNREST(t *testing.T) {
	_, err := load(devEnv(map[string]string{
		envICEServersJSON: `[{"urls": "turn:turn.example.com:3478"}]`,
	}), nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

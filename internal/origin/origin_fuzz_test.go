package origin

import (
	"net/url"
	"strings"
	"testing"
)

func FuzzNormalizeHeader(f *testing.F) {
	for _, seed := range []string{
		"HTTPS://Example.COM:443",
		"http://010.0.0.1",
		"http://[::FFFF:192.0.2.1]",
		"null",
		"",
		"ftp://example.com",
		"https://example.com?query",
		"https://example.com,https://evil.example.com",
	} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, originHeader string) {
		normalized, host, ok := NormalizeHeader(originHeader)
		if !ok || normalized == "null" {
			return
		}

		u, err := url.Parse(normalized)
		if err != nil {
			t.Fatalf("url.Parse(%q): %v", normalized, err)
		}
		if u.Host != host || u.Path != "" || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
			t.Fatalf("normalized origin %q parsed with unexpected components: %#v", normalized, u)
		}
		if strings.ContainsAny(normalized, " \t\r\n") {
			t.Fatalf("normalized origin contains whitespace: %q", normalized)
		}

		again, againHost, ok := NormalizeHeader(normalized)
		if !ok || again != normalized || againHost != host {
			t.Fatalf("NormalizeHeader not idempotent: %q -> %q (%q)", normalized, again, againHost)
		}
		if !IsAllowed(normalized, host, host, nil) {
			t.Fatalf("origin %q does not match its own host under the default policy", normalized)
		}
		if !IsAllowed(normalized, host, "elsewhere.invalid", []string{normalized}) {
			t.Fatalf("origin %q not allowed by an exact allow-list", normalized)
		}
	})
}

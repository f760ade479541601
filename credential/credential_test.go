package credential

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "regular key", key: "secret123"},
		{name: "key that looks like a marker", key: "anonymous"},
		{name: "unicode key", key: "clé-ключ-鍵"},
		{name: "empty key", key: "", wantErr: true},
		{name: "invalid utf-8", key: "key-\xff\xfe-tail", wantErr: true},
		{name: "carriage return line feed", key: "key\r\nX-Injected: 1", wantErr: true},
		{name: "nul byte", key: "key\x00", wantErr: true},
		{name: "tab", key: "key\tvalue", wantErr: true},
		{name: "delete", key: "key\x7f", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := APIKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("APIKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if cred.IsValid() {
					t.Error("rejected key produced a valid credential")
				}
				return
			}
			got, ok := cred.Key()
			if !ok || got != tt.key {
				t.Errorf("Key() = %q, %v, want %q, true", got, ok, tt.key)
			}
			if cred.IsAnonymous() {
				t.Error("authenticated credential reports anonymous")
			}
		})
	}
}

// Every accepted key must come back byte for byte after the JSON encoding
// used inside sealed tokens.
func TestAPIKeySurvivesJSON(t *testing.T) {
	for _, key := range []string{"secret123", "clé-ключ-鍵", `quote"and\backslash`, "<html>&amp;"} {
		cred, err := APIKey(key)
		if err != nil {
			t.Fatalf("APIKey(%q) error = %v", key, err)
		}
		data, err := json.Marshal(cred)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		var got Credential
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if k, _ := got.Key(); k != key {
			t.Errorf("round trip changed key: %q -> %q", key, k)
		}
	}
}

func TestAnonymousDistinctFromAnyKey(t *testing.T) {
	anon := Anonymous()
	if !anon.IsValid() || !anon.IsAnonymous() {
		t.Fatal("Anonymous() should be valid and anonymous")
	}
	if _, ok := anon.Key(); ok {
		t.Error("anonymous credential should not expose a key")
	}

	for _, key := range []string{"anonymous", "__anonymous__", " ", "null"} {
		cred, err := APIKey(key)
		if err != nil {
			t.Fatalf("APIKey(%q) error = %v", key, err)
		}
		if cred.Equal(anon) {
			t.Errorf("APIKey(%q) compares equal to Anonymous()", key)
		}
	}
}

func TestZeroValueInvalid(t *testing.T) {
	var c Credential
	if c.IsValid() {
		t.Error("zero Credential should be invalid")
	}
	if _, err := json.Marshal(c); err == nil {
		t.Error("marshaling an invalid credential should fail")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	key, _ := APIKey("secret123")
	for _, cred := range []Credential{key, Anonymous()} {
		data, err := json.Marshal(cred)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		var got Credential
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if !got.Equal(cred) {
			t.Errorf("round trip = %v, want %v", got.Kind(), cred.Kind())
		}
	}
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	inputs := []string{
		`{"kind":"authenticated"}`,
		`{"kind":"anonymous","api_key":"x"}`,
		`{"kind":"admin","api_key":"x"}`,
		`"secret"`,
	}
	for _, in := range inputs {
		var c Credential
		if err := json.Unmarshal([]byte(in), &c); err == nil {
			t.Errorf("Unmarshal(%s) should fail", in)
		}
	}
}

func TestLogValueRedactsKey(t *testing.T) {
	cred, _ := APIKey("super-secret-value")

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("resolved", "credential", cred)

	out := buf.String()
	if strings.Contains(out, "super-secret-value") {
		t.Fatalf("log output leaks key: %s", out)
	}
	if !strings.Contains(out, cred.Fingerprint()) {
		t.Errorf("log output missing fingerprint: %s", out)
	}
	if strings.Contains(cred.String(), "super-secret-value") {
		t.Error("String() leaks key")
	}
}

func TestFingerprint(t *testing.T) {
	a, _ := APIKey("a")
	b, _ := APIKey("b")
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("different keys should have different fingerprints")
	}
	if len(a.Fingerprint()) != 16 {
		t.Errorf("fingerprint length = %d, want 16", len(a.Fingerprint()))
	}
	if Anonymous().Fingerprint() != "anonymous" {
		t.Errorf("anonymous fingerprint = %q", Anonymous().Fingerprint())
	}
}

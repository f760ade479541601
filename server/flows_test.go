package server

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gridstatus/keybridge/credential"
	"github.com/gridstatus/keybridge/internal/testutil"
	"github.com/gridstatus/keybridge/storage"
)

func exchange(srv *Server, client *storage.Client, code, verifier string) error {
	_, err := srv.ExchangeAuthorizationCode(context.Background(), TokenRequest{
		Code:         code,
		ClientID:     client.ClientID,
		RedirectURI:  testRedirectURI,
		CodeVerifier: verifier,
	}, "")
	return err
}

func TestValidateAuthorizationRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	challenge, _ := testutil.GeneratePKCEPair()

	valid := func() *AuthorizationRequest {
		return &AuthorizationRequest{
			ClientID:            client.ClientID,
			RedirectURI:         testRedirectURI,
			ResponseType:        "code",
			CodeChallenge:       challenge,
			CodeChallengeMethod: "S256",
		}
	}

	tests := []struct {
		name   string
		mutate func(r *AuthorizationRequest)
	}{
		{"missing client", func(r *AuthorizationRequest) { r.ClientID = "" }},
		{"unknown client", func(r *AuthorizationRequest) { r.ClientID = "nope" }},
		{"missing redirect", func(r *AuthorizationRequest) { r.RedirectURI = "" }},
		{"unregistered redirect", func(r *AuthorizationRequest) { r.RedirectURI = "https://x/other" }},
		{"redirect prefix only", func(r *AuthorizationRequest) { r.RedirectURI = "https://x/cb/extra" }},
		{"bad response type", func(r *AuthorizationRequest) { r.ResponseType = "token" }},
		{"missing challenge", func(r *AuthorizationRequest) { r.CodeChallenge = "" }},
		{"plain method", func(r *AuthorizationRequest) { r.CodeChallengeMethod = "plain" }},
		{"missing method", func(r *AuthorizationRequest) { r.CodeChallengeMethod = "" }},
		{"foreign resource", func(r *AuthorizationRequest) { r.Resource = "https://other.example.com/mcp" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(req)
			_, err := srv.ValidateAuthorizationRequest(context.Background(), req)
			if !errors.Is(err, ErrInvalidAuthorizationRequest) {
				t.Fatalf("error = %v, want ErrInvalidAuthorizationRequest", err)
			}
			var reqErr *AuthorizationRequestError
			if !errors.As(err, &reqErr) || reqErr.Description == "" {
				t.Errorf("error should carry a description: %v", err)
			}
		})
	}

	t.Run("valid with empty response type", func(t *testing.T) {
		req := valid()
		req.ResponseType = ""
		got, err := srv.ValidateAuthorizationRequest(context.Background(), req)
		if err != nil {
			t.Fatalf("error = %v", err)
		}
		if got.ClientID != client.ClientID {
			t.Errorf("client = %q", got.ClientID)
		}
		if req.Resource != testIssuer+"/mcp" {
			t.Errorf("Resource default = %q", req.Resource)
		}
	})

	t.Run("matching resource with trailing slash", func(t *testing.T) {
		req := valid()
		req.Resource = testIssuer + "/mcp/"
		if _, err := srv.ValidateAuthorizationRequest(context.Background(), req); err != nil {
			t.Errorf("error = %v", err)
		}
	})
}

func TestValidateAuthorizationRequest_Scopes(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Config.SupportedScopes = []string{"read", "write"}
	client := registerTestClient(t, srv)
	challenge, _ := testutil.GeneratePKCEPair()

	req := &AuthorizationRequest{
		ClientID:            client.ClientID,
		RedirectURI:         testRedirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Scope:               "read write",
	}
	if _, err := srv.ValidateAuthorizationRequest(context.Background(), req); err != nil {
		t.Fatalf("supported scopes rejected: %v", err)
	}
	req.Scope = "read admin"
	if _, err := srv.ValidateAuthorizationRequest(context.Background(), req); !errors.Is(err, ErrInvalidAuthorizationRequest) {
		t.Errorf("unsupported scope accepted: %v", err)
	}
}

func TestIssueAuthorizationCode(t *testing.T) {
	srv, clock := newTestServer(t)
	client := registerTestClient(t, srv)

	code, _ := authorizeTestClient(t, srv, client, testutil.MustAPIKey(t, "secret123"))

	if len(code.Code) < 43 {
		t.Errorf("code length = %d, want 256-bit base64url", len(code.Code))
	}
	if !code.ExpiresAt.Equal(clock.Now().Add(5 * time.Minute)) {
		t.Errorf("ExpiresAt = %v", code.ExpiresAt)
	}
	if code.State != "xyz" {
		t.Errorf("State = %q", code.State)
	}
	if key, ok := code.Credential.Key(); !ok || key != "secret123" {
		t.Errorf("Credential not bound to code")
	}
}

func TestIssueAuthorizationCode_RejectsInvalid(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	challenge, _ := testutil.GeneratePKCEPair()
	req := &AuthorizationRequest{
		ClientID:            client.ClientID,
		RedirectURI:         "https://x/not-registered",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	}

	if _, err := srv.IssueAuthorizationCode(context.Background(), req, credential.Anonymous(), ""); !errors.Is(err, ErrInvalidAuthorizationRequest) {
		t.Errorf("error = %v", err)
	}

	req.RedirectURI = testRedirectURI
	if _, err := srv.IssueAuthorizationCode(context.Background(), req, credential.Credential{}, ""); !errors.Is(err, credential.ErrInvalidCredential) {
		t.Errorf("zero credential error = %v", err)
	}
}

func TestAuthorizationRedirectURL(t *testing.T) {
	tests := []struct {
		name     string
		redirect string
		state    string
		wantQ    url.Values
	}{
		{"plain", "https://x/cb", "s1", url.Values{"code": {"c"}, "state": {"s1"}}},
		{"existing query", "https://x/cb?tenant=a", "s1", url.Values{"code": {"c"}, "state": {"s1"}, "tenant": {"a"}}},
		{"no state", "https://x/cb", "", url.Values{"code": {"c"}}},
		{"state with symbols", "http://127.0.0.1:4567/cb", "a b&c", url.Values{"code": {"c"}, "state": {"a b&c"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AuthorizationRedirectURL(&storage.AuthorizationCode{Code: "c", RedirectURI: tt.redirect, State: tt.state})
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			u, err := url.Parse(got)
			if err != nil {
				t.Fatalf("parse %q: %v", got, err)
			}
			if u.Query().Encode() != tt.wantQ.Encode() {
				t.Errorf("query = %q, want %q", u.Query().Encode(), tt.wantQ.Encode())
			}
			if !strings.HasPrefix(got, strings.SplitN(tt.redirect, "?", 2)[0]) {
				t.Errorf("redirect %q does not keep base %q", got, tt.redirect)
			}
		})
	}
}

func TestExchangeAuthorizationCode_Success(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	code, verifier := authorizeTestClient(t, srv, client, testutil.MustAPIKey(t, "secret123"))

	tok, err := srv.ExchangeAuthorizationCode(context.Background(), TokenRequest{
		Code:         code.Code,
		ClientID:     client.ClientID,
		RedirectURI:  testRedirectURI,
		CodeVerifier: verifier,
	}, "")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
	if tok.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", tok.ExpiresIn)
	}
	if tok.RefreshToken == "" {
		t.Error("missing refresh token")
	}

	cred, ok := srv.ValidateBearer(context.Background(), "Bearer "+tok.AccessToken)
	if !ok {
		t.Fatal("ValidateBearer() rejected a fresh token")
	}
	if key, _ := cred.Key(); key != "secret123" {
		t.Errorf("resolved key = %q, want secret123", key)
	}
}

func TestExchangeAuthorizationCode_SingleUse(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	code, verifier := authorizeTestClient(t, srv, client, credential.Anonymous())

	if err := exchange(srv, client, code.Code, verifier); err != nil {
		t.Fatalf("first exchange error = %v", err)
	}
	err := exchange(srv, client, code.Code, verifier)
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("second exchange error = %v, want ErrInvalidGrant", err)
	}
}

func TestExchangeAuthorizationCode_PKCE(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)

	_, otherVerifier := testutil.GeneratePKCEPair()
	badVerifiers := map[string]string{
		"other valid verifier": otherVerifier,
		"too short":            strings.Repeat("a", 42),
		"too long":             strings.Repeat("a", 129),
		"invalid characters":   strings.Repeat("a", 42) + "!",
		"empty":                "",
	}
	for name, bad := range badVerifiers {
		t.Run(name, func(t *testing.T) {
			code, verifier := authorizeTestClient(t, srv, client, credential.Anonymous())

			if err := exchange(srv, client, code.Code, bad); !errors.Is(err, ErrInvalidGrant) {
				t.Fatalf("error = %v, want ErrInvalidGrant", err)
			}
			// A failed attempt burns the code.
			if err := exchange(srv, client, code.Code, verifier); !errors.Is(err, ErrInvalidGrant) {
				t.Errorf("code usable after failed PKCE: %v", err)
			}
		})
	}
}

func TestExchangeAuthorizationCode_Expiry(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		wantErr bool
	}{
		{"within lifetime", 299 * time.Second, false},
		{"at expiry", 300 * time.Second, true},
		{"after expiry", 301 * time.Second, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, clock := newTestServer(t)
			client := registerTestClient(t, srv)
			code, verifier := authorizeTestClient(t, srv, client, credential.Anonymous())

			clock.Advance(tt.advance)
			err := exchange(srv, client, code.Code, verifier)
			if tt.wantErr && !errors.Is(err, ErrInvalidGrant) {
				t.Errorf("error = %v, want ErrInvalidGrant", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("error = %v", err)
			}
			if tt.wantErr && !errors.Is(err, storage.ErrExpired) {
				t.Errorf("cause should be expiry: %v", err)
			}
		})
	}
}

func TestExchangeAuthorizationCode_BindingMismatch(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	other, err := srv.RegisterClient(context.Background(), "", []string{testRedirectURI, "https://x/cb2"}, "")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	t.Run("client mismatch", func(t *testing.T) {
		code, verifier := authorizeTestClient(t, srv, client, credential.Anonymous())
		if err := exchange(srv, other, code.Code, verifier); !errors.Is(err, ErrInvalidGrant) {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("redirect mismatch", func(t *testing.T) {
		code, verifier := authorizeTestClient(t, srv, client, credential.Anonymous())
		_, err := srv.ExchangeAuthorizationCode(context.Background(), TokenRequest{
			Code:         code.Code,
			ClientID:     client.ClientID,
			RedirectURI:  "https://x/cb2",
			CodeVerifier: verifier,
		}, "")
		if !errors.Is(err, ErrInvalidGrant) {
			t.Errorf("error = %v", err)
		}
	})
}

func TestRefreshAccessToken_Rotation(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	code, verifier := authorizeTestClient(t, srv, client, testutil.MustAPIKey(t, "secret123"))
	ctx := context.Background()

	first, err := srv.ExchangeAuthorizationCode(ctx, TokenRequest{
		Code: code.Code, ClientID: client.ClientID, RedirectURI: testRedirectURI, CodeVerifier: verifier,
	}, "")
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	second, err := srv.RefreshAccessToken(ctx, first.RefreshToken, client.ClientID, "")
	if err != nil {
		t.Fatalf("refresh R1 error = %v", err)
	}
	cred, ok := srv.ValidateBearer(ctx, "Bearer "+second.AccessToken)
	if !ok {
		t.Fatal("A2 does not validate")
	}
	if key, _ := cred.Key(); key != "secret123" {
		t.Errorf("A2 key = %q", key)
	}

	if _, err := srv.RefreshAccessToken(ctx, first.RefreshToken, client.ClientID, ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("reusing R1 error = %v, want ErrInvalidGrant", err)
	}
	if _, err := srv.RefreshAccessToken(ctx, second.RefreshToken, "", ""); err != nil {
		t.Errorf("R2 without client_id error = %v", err)
	}
	if _, err := srv.RefreshAccessToken(ctx, second.RefreshToken, "", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("reusing R2 error = %v, want ErrInvalidGrant", err)
	}
}

func TestRefreshAccessToken_Rejections(t *testing.T) {
	srv, clock := newTestServer(t)
	client := registerTestClient(t, srv)
	ctx := context.Background()

	issue := func() string {
		code, verifier := authorizeTestClient(t, srv, client, credential.Anonymous())
		tok, err := srv.ExchangeAuthorizationCode(ctx, TokenRequest{
			Code: code.Code, ClientID: client.ClientID, RedirectURI: testRedirectURI, CodeVerifier: verifier,
		}, "")
		if err != nil {
			t.Fatalf("exchange error = %v", err)
		}
		return tok.RefreshToken
	}

	if _, err := srv.RefreshAccessToken(ctx, "unknown", "", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("unknown token error = %v", err)
	}

	mismatched := issue()
	if _, err := srv.RefreshAccessToken(ctx, mismatched, "someone-else", ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("client mismatch error = %v", err)
	}
	if _, err := srv.RefreshAccessToken(ctx, mismatched, client.ClientID, ""); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("mismatch should consume the token: %v", err)
	}

	expired := issue()
	clock.Advance(7*24*time.Hour + time.Second)
	if _, err := srv.RefreshAccessToken(ctx, expired, client.ClientID, ""); !errors.Is(err, storage.ErrExpired) {
		t.Errorf("expired token error = %v", err)
	}
}

func TestValidateBearer(t *testing.T) {
	srv, clock := newTestServer(t)
	client := registerTestClient(t, srv)
	code, verifier := authorizeTestClient(t, srv, client, credential.Anonymous())
	tok, err := srv.ExchangeAuthorizationCode(context.Background(), TokenRequest{
		Code: code.Code, ClientID: client.ClientID, RedirectURI: testRedirectURI, CodeVerifier: verifier,
	}, "")
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}
	ctx := context.Background()

	parts := strings.Split(tok.AccessToken, ".")
	if parts[1][0] == 'A' {
		parts[1] = "B" + parts[1][1:]
	} else {
		parts[1] = "A" + parts[1][1:]
	}
	tampered := strings.Join(parts, ".")

	headers := map[string]bool{
		"Bearer " + tok.AccessToken: true,
		"bearer " + tok.AccessToken: true,
		"BEARER " + tok.AccessToken: true,
		tok.AccessToken:             false,
		"Basic " + tok.AccessToken:  false,
		"Bearer ":                   false,
		"":                          false,
		"Bearer " + tampered:        false,
	}
	for header, want := range headers {
		cred, ok := srv.ValidateBearer(ctx, header)
		if ok != want {
			t.Errorf("ValidateBearer(%.20q...) = %v, want %v", header, ok, want)
		}
		if ok && !cred.IsAnonymous() {
			t.Error("anonymous flow must resolve to Anonymous")
		}
	}

	clock.Advance(time.Hour)
	if _, ok := srv.ValidateBearer(ctx, "Bearer "+tok.AccessToken); ok {
		t.Error("expired access token accepted")
	}
}

func TestAnonymousDistinguishableFromKey(t *testing.T) {
	srv, _ := newTestServer(t)
	client := registerTestClient(t, srv)
	ctx := context.Background()

	resolve := func(cred credential.Credential) credential.Credential {
		code, verifier := authorizeTestClient(t, srv, client, cred)
		tok, err := srv.ExchangeAuthorizationCode(ctx, TokenRequest{
			Code: code.Code, ClientID: client.ClientID, RedirectURI: testRedirectURI, CodeVerifier: verifier,
		}, "")
		if err != nil {
			t.Fatalf("exchange error = %v", err)
		}
		got, ok := srv.ValidateBearer(ctx, "Bearer "+tok.AccessToken)
		if !ok {
			t.Fatal("token rejected")
		}
		return got
	}

	anon := resolve(credential.Anonymous())
	for _, key := range []string{"anonymous", "Anonymous", " "} {
		keyed := resolve(testutil.MustAPIKey(t, key))
		if anon.Equal(keyed) {
			t.Errorf("Anonymous equals API key %q", key)
		}
		if keyed.IsAnonymous() {
			t.Errorf("API key %q resolved as anonymous", key)
		}
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":    "abc",
		"bearer abc":    "abc",
		"Bearer  abc ":  "abc",
		"Bearerabc":     "",
		"Basic abc":     "",
		"Bearer":        "",
		"":              "",
		"Token abc def": "",
	}
	for in, want := range tests {
		if got := BearerToken(in); got != want {
			t.Errorf("BearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}

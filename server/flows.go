package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/gridstatus/keybridge/credential"
	"github.com/gridstatus/keybridge/events"
	"github.com/gridstatus/keybridge/instrumentation"
	"github.com/gridstatus/keybridge/internal/util"
	"github.com/gridstatus/keybridge/storage"
	"github.com/gridstatus/keybridge/token"
)

// Grant types accepted at the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"
)

// codeLogLength is how much of a code or refresh token may reach debug logs.
const codeLogLength = 8

// AuthorizationRequest holds the parameters of GET and POST /authorize.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	Resource            string
}

// AuthorizationRequestError explains why an authorization request was refused.
// The description is safe to show on the error page.
type AuthorizationRequestError struct {
	Description string
}

func (e *AuthorizationRequestError) Error() string {
	return "invalid authorization request: " + e.Description
}

// Is makes every AuthorizationRequestError match ErrInvalidAuthorizationRequest.
func (e *AuthorizationRequestError) Is(target error) bool {
	return target == ErrInvalidAuthorizationRequest
}

func invalidAuthorization(format string, args ...any) error {
	return &AuthorizationRequestError{Description: fmt.Sprintf(format, args...)}
}

// ValidateAuthorizationRequest checks the client/redirect binding and the
// PKCE parameters. On success it returns the client and fills in the default
// resource.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) (*storage.Client, error) {
	if req.ClientID == "" {
		return nil, invalidAuthorization("client_id is required")
	}
	client, err := s.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, invalidAuthorization("unknown client_id")
		}
		return nil, err
	}
	if req.RedirectURI == "" {
		return nil, invalidAuthorization("redirect_uri is required")
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return nil, invalidAuthorization("redirect_uri is not registered for this client")
	}
	if req.ResponseType != "" && req.ResponseType != ResponseTypeCode {
		return nil, invalidAuthorization("unsupported response_type %q", req.ResponseType)
	}
	if req.CodeChallenge == "" {
		return nil, invalidAuthorization("code_challenge is required")
	}
	if req.CodeChallengeMethod != PKCEMethodS256 {
		return nil, invalidAuthorization("code_challenge_method must be S256")
	}
	if err := s.validateScopes(req.Scope); err != nil {
		return nil, invalidAuthorization("%s", err.Error())
	}
	if req.Resource == "" {
		req.Resource = s.Config.Resource
	} else if util.NormalizeURL(req.Resource) != util.NormalizeURL(s.Config.Resource) {
		return nil, invalidAuthorization("resource is not served by this authorization server")
	}
	return client, nil
}

// IssueAuthorizationCode revalidates req, binds cred to a fresh code and
// stores it. The caller redirects with AuthorizationRedirectURL.
func (s *Server) IssueAuthorizationCode(ctx context.Context, req *AuthorizationRequest, cred credential.Credential, clientIP string) (*storage.AuthorizationCode, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.issue_authorization_code")
	defer span.End()

	if !cred.IsValid() {
		return nil, credential.ErrInvalidCredential
	}
	if _, err := s.ValidateAuthorizationRequest(ctx, req); err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	now := s.Config.Clock()
	code := &storage.AuthorizationCode{
		Code:                oauth2.GenerateVerifier(),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Credential:          cred,
		Resource:            req.Resource,
		Scope:               req.Scope,
		State:               req.State,
		IssuedAt:            now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	}
	if err := s.store.SaveAuthorizationCode(ctx, code); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.Bool(instrumentation.AttrAnonymous, cred.IsAnonymous()),
	)
	instrumentation.SetSpanSuccess(span)
	s.Logger.Info("Issued authorization code",
		"client_id", req.ClientID,
		"credential", cred,
		"code_prefix", util.SafeTruncate(code.Code, codeLogLength))
	s.instrumentation.Metrics().RecordCodeIssued(ctx, cred.IsAnonymous())
	s.publish(credentialEvent(events.CredentialCaptured, req.ClientID, cred, clientIP))

	return code, nil
}

// AuthorizationRedirectURL appends code and state to the code's redirect URI,
// keeping any query parameters it already has. An empty state is omitted.
func AuthorizationRedirectURL(code *storage.AuthorizationCode) (string, error) {
	u, err := url.Parse(code.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("parse redirect_uri: %w", err)
	}
	q := u.Query()
	q.Set("code", code.Code)
	if code.State != "" {
		q.Set("state", code.State)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// TokenRequest holds the parameters of an authorization_code grant.
type TokenRequest struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
}

// ExchangeAuthorizationCode redeems a code for a token pair. The code is
// taken from the store before any check, so it can never be used twice.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req TokenRequest, clientIP string) (*oauth2.Token, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.exchange_authorization_code")
	defer span.End()
	span.SetAttributes(
		attribute.String(instrumentation.AttrGrantType, GrantTypeAuthorizationCode),
		attribute.String(instrumentation.AttrClientID, req.ClientID),
	)

	reject := func(cause error) error {
		return s.rejectGrant(ctx, span, GrantTypeAuthorizationCode, req.ClientID, clientIP, cause)
	}

	code, err := s.store.TakeAuthorizationCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, reject(err)
		}
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to take authorization code: %w", err)
	}
	s.Logger.Debug("Took authorization code",
		"code_prefix", util.SafeTruncate(req.Code, codeLogLength))

	if code.IsExpired(s.Config.Clock()) {
		return nil, reject(storage.ErrExpired)
	}
	if req.ClientID != code.ClientID {
		return nil, reject(token.ErrClientMismatch)
	}
	if req.RedirectURI != code.RedirectURI {
		return nil, reject(errRedirectMismatch)
	}
	if err := validatePKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		return nil, reject(err)
	}

	tok, err := s.issuer.Issue(ctx, token.Grant{
		Credential: code.Credential,
		ClientID:   code.ClientID,
		Resource:   code.Resource,
		Scope:      code.Scope,
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrAnonymous, code.Credential.IsAnonymous()))
	instrumentation.SetSpanSuccess(span)
	s.Logger.Info("Exchanged authorization code",
		"client_id", code.ClientID,
		"credential", code.Credential)
	s.instrumentation.Metrics().RecordCodeExchange(ctx, code.Credential.IsAnonymous())
	s.publish(credentialEvent(events.TokenIssued, code.ClientID, code.Credential, clientIP))

	return tok, nil
}

// RefreshAccessToken rotates a refresh token. clientID is optional for public
// clients; when given it must match the token's client.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID, clientIP string) (*oauth2.Token, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.refresh_access_token")
	defer span.End()
	span.SetAttributes(attribute.String(instrumentation.AttrGrantType, GrantTypeRefreshToken))

	tok, grant, err := s.issuer.Refresh(ctx, refreshToken, clientID)
	if err != nil {
		if errors.Is(err, token.ErrInvalidRefreshToken) {
			return nil, s.rejectGrant(ctx, span, GrantTypeRefreshToken, clientID, clientIP, err)
		}
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	instrumentation.SetSpanSuccess(span)
	s.Logger.Info("Rotated refresh token",
		"client_id", grant.ClientID,
		"token_prefix", util.SafeTruncate(refreshToken, codeLogLength))
	s.instrumentation.Metrics().RecordTokenRefresh(ctx)
	s.publish(credentialEvent(events.TokenRefreshed, grant.ClientID, grant.Credential, clientIP))

	return tok, nil
}

// ValidateBearer resolves the credential carried by an Authorization header
// value. It takes no locks and changes no state.
func (s *Server) ValidateBearer(ctx context.Context, header string) (credential.Credential, bool) {
	payload, ok := s.ValidateAccessToken(BearerToken(header))
	s.instrumentation.Metrics().RecordBearerValidation(ctx, ok)
	if !ok {
		return credential.Credential{}, false
	}
	return payload.Credential, true
}

// ValidateAccessToken opens a raw access token.
func (s *Server) ValidateAccessToken(accessToken string) (token.Payload, bool) {
	if accessToken == "" {
		return token.Payload{}, false
	}
	return s.issuer.Validate(accessToken)
}

// BearerToken extracts the token from an Authorization header value using a
// case-insensitive "Bearer " scheme. It returns "" for any other shape.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

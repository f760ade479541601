package oauth

import (
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/gridstatus/keybridge/instrumentation"
	"github.com/gridstatus/keybridge/server"
)

// ServeToken handles the token endpoint for the authorization_code and
// refresh_token grants. Parameters are read from the form-encoded body only.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		if isBodyTooLarge(err) {
			h.writeError(w, ErrBodyTooLarge())
			return
		}
		h.writeError(w, ErrInvalidRequest("failed to parse request body"))
		return
	}

	switch grantType := r.PostForm.Get("grant_type"); grantType {
	case "":
		h.writeError(w, ErrInvalidRequest("grant_type is required"))
	case server.GrantTypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, r)
	case server.GrantTypeRefreshToken:
		h.handleRefreshTokenGrant(w, r)
	default:
		h.writeError(w, ErrUnsupportedGrantType(grantType))
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token_exchange")
	defer span.End()

	req := server.TokenRequest{
		Code:         r.PostForm.Get("code"),
		ClientID:     h.formClientID(r),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
	}
	for _, p := range []struct{ name, value string }{
		{"code", req.Code},
		{"client_id", req.ClientID},
		{"redirect_uri", req.RedirectURI},
		{"code_verifier", req.CodeVerifier},
	} {
		if p.value == "" {
			instrumentation.SetSpanError(span, p.name+" missing")
			h.writeError(w, ErrInvalidRequest("required parameter '"+p.name+"' missing"))
			return
		}
	}
	span.SetAttributes(attribute.String(instrumentation.AttrClientID, req.ClientID))

	tok, err := h.server.ExchangeAuthorizationCode(ctx, req, h.clientIP(r))
	if err != nil {
		h.writeGrantError(w, r, span, "Authorization code exchange failed", req.ClientID, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, tok)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.token_refresh")
	defer span.End()

	refreshToken := r.PostForm.Get("refresh_token")
	if refreshToken == "" {
		instrumentation.SetSpanError(span, "refresh_token missing")
		h.writeError(w, ErrInvalidRequest("required parameter 'refresh_token' missing"))
		return
	}
	clientID := h.formClientID(r)

	tok, err := h.server.RefreshAccessToken(ctx, refreshToken, clientID, h.clientIP(r))
	if err != nil {
		h.writeGrantError(w, r, span, "Refresh token grant failed", clientID, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, tok)
}

// formClientID returns client_id from the body, falling back to the HTTP
// Basic username for clients that always send credentials that way.
func (h *Handler) formClientID(r *http.Request) string {
	if id := r.PostForm.Get("client_id"); id != "" {
		return id
	}
	username, _, _ := r.BasicAuth()
	return username
}

func (h *Handler) writeGrantError(w http.ResponseWriter, r *http.Request, span trace.Span, msg, clientID string, err error) {
	instrumentation.RecordError(span, err)
	if errors.Is(err, server.ErrInvalidGrant) {
		h.writeError(w, ErrInvalidGrant())
		return
	}
	h.requestLogger(r).Error(msg, "client_id", clientID, "error", err)
	h.writeError(w, ErrServerError())
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, tok *oauth2.Token) {
	resp := TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
		RefreshToken: tok.RefreshToken,
	}
	if resp.TokenType == "" {
		resp.TokenType = tokenTypeBearer
	}
	if resp.ExpiresIn <= 0 {
		resp.ExpiresIn = int64(h.server.Issuer().AccessTokenTTL().Seconds())
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		resp.Scope = scope
	}
	h.writeJSON(w, http.StatusOK, resp)
}

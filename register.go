package oauth

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gridstatus/keybridge/instrumentation"
	"github.com/gridstatus/keybridge/server"
)

const defaultClientMetadataDescription = "redirect_uris must contain at least one valid URI"

// ServeClientRegistration handles RFC 7591 dynamic client registration.
// Every client is public: no secret is issued and the token endpoint
// expects no client authentication.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.client_registration")
	defer span.End()

	clientIP := h.clientIP(r)

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		instrumentation.SetSpanError(span, "invalid body")
		if isBodyTooLarge(err) {
			h.writeError(w, ErrBodyTooLarge())
			return
		}
		h.writeError(w, ErrInvalidRequest("request body must be a JSON client metadata document"))
		return
	}

	if req.TokenEndpointAuthMethod != "" && req.TokenEndpointAuthMethod != server.TokenEndpointAuthMethodNone {
		h.requestLogger(r).Debug("Ignoring requested token_endpoint_auth_method",
			"method", req.TokenEndpointAuthMethod, "ip", clientIP)
	}

	client, err := h.server.RegisterClient(ctx, req.ClientName, req.RedirectURIs, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, server.ErrInvalidClientMetadata) {
			description := defaultClientMetadataDescription
			var uriErr *server.RedirectURISecurityError
			if errors.As(err, &uriErr) {
				description = uriErr.ClientMessage
			}
			h.writeError(w, ErrInvalidClientMetadata(description))
			return
		}
		h.requestLogger(r).Error("Failed to register client", "ip", clientIP, "error", err)
		h.writeError(w, ErrServerError())
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))
	instrumentation.SetSpanSuccess(span)

	h.writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: server.TokenEndpointAuthMethodNone,
		GrantTypes:              []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		ResponseTypes:           []string{server.ResponseTypeCode},
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
	})
}

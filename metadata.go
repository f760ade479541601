package oauth

import (
	"net/http"
	"slices"

	"github.com/gridstatus/keybridge/server"
)

// ServeProtectedResourceMetadata serves RFC 9728 Protected Resource Metadata.
// Path-suffixed lookups (/.well-known/oauth-protected-resource/mcp) get the
// same document; this server protects a single resource.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	cfg := h.server.Config
	h.writeJSON(w, http.StatusOK, ProtectedResourceMetadata{
		Resource:               cfg.Resource,
		AuthorizationServers:   []string{cfg.Issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        slices.Clone(cfg.SupportedScopes),
	})
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.authorizationServerMetadata())
}

func (h *Handler) authorizationServerMetadata() AuthorizationServerMetadata {
	return AuthorizationServerMetadata{
		Issuer:                            h.server.Config.Issuer,
		AuthorizationEndpoint:             h.endpoint(PathAuthorize),
		TokenEndpoint:                     h.endpoint(PathToken),
		RegistrationEndpoint:              h.endpoint(PathRegister),
		ScopesSupported:                   append([]string{}, h.server.Config.SupportedScopes...),
		ResponseTypesSupported:            []string{server.ResponseTypeCode},
		GrantTypesSupported:               []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{server.TokenEndpointAuthMethodNone},
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
	}
}

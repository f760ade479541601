package oauth

import (
	"context"
	"net/http"

	"github.com/gridstatus/keybridge/credential"
	"github.com/gridstatus/keybridge/server"
)

// CredentialFromContext returns the credential resolved by ValidateToken.
func CredentialFromContext(ctx context.Context) (credential.Credential, bool) {
	return credential.FromContext(ctx)
}

// ContextWithCredential returns a copy of ctx carrying cred.
func ContextWithCredential(ctx context.Context, cred credential.Credential) context.Context {
	return credential.NewContext(ctx, cred)
}

// ValidateToken is middleware that resolves the bearer token on every request
// into its credential. Requests without a usable token get a 401 whose
// challenge points at the protected resource metadata.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if server.BearerToken(header) == "" {
			h.writeAuthenticationRequired(w)
			return
		}

		cred, ok := h.server.ValidateBearer(r.Context(), header)
		if !ok {
			h.requestLogger(r).Info("Bearer token rejected", "ip", h.clientIP(r), "path", r.URL.Path)
			h.writeUnauthorizedError(w, "the access token is invalid or expired")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithCredential(r.Context(), cred)))
	})
}

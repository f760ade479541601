package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets the headers every OAuth JSON response carries.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	setCommonHeaders(w, issuer)
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
}

// SetFormSecurityHeaders sets headers for the consent page. Inline styles are
// allowed only with the given nonce. form-action stays unset because the POST
// answers with a redirect to the client's redirect URI, which form-action
// would block.
func SetFormSecurityHeaders(w http.ResponseWriter, issuer, styleNonce string) {
	setCommonHeaders(w, issuer)
	w.Header().Set("Content-Security-Policy",
		"default-src 'none'; style-src 'nonce-"+styleNonce+"'; base-uri 'none'; frame-ancestors 'none'")
}

func setCommonHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")

	if parsed, err := url.Parse(issuer); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

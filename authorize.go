package oauth

import (
	"crypto/rand"
	"errors"
	"html/template"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gridstatus/keybridge/credential"
	"github.com/gridstatus/keybridge/instrumentation"
	"github.com/gridstatus/keybridge/security"
	"github.com/gridstatus/keybridge/server"
)

// Form values posted by the consent page.
const (
	formFieldAPIKey = "api_key"
	formFieldAction = "action"
	actionSkip      = "skip"
)

const consentPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{if .Fatal}}Authorization failed{{else}}Connect your API key{{end}}</title>
<style nonce="{{.Nonce}}">
body { font-family: system-ui, sans-serif; background: #f5f6f8; color: #1d2330; margin: 0; }
main { max-width: 28rem; margin: 4rem auto; background: #fff; padding: 2rem; border-radius: 8px; box-shadow: 0 1px 4px rgba(0,0,0,.1); }
h1 { font-size: 1.3rem; margin-top: 0; }
label { display: block; font-weight: 600; margin-bottom: .4rem; }
input[type=password] { width: 100%; box-sizing: border-box; padding: .6rem; font-size: 1rem; border: 1px solid #c3c8d2; border-radius: 4px; }
.actions { display: flex; gap: .6rem; margin-top: 1.2rem; }
button { flex: 1; padding: .6rem; font-size: 1rem; border-radius: 4px; border: 1px solid #2f5bd3; cursor: pointer; }
.primary { background: #2f5bd3; color: #fff; }
.secondary { background: #fff; color: #2f5bd3; }
.error { background: #fdecec; color: #8a1c1c; padding: .6rem; border-radius: 4px; margin-bottom: 1rem; }
.hint { color: #5b6473; font-size: .9rem; }
</style>
</head>
<body>
<main>
{{if .Fatal}}
<h1>Authorization failed</h1>
<p class="error">{{.Error}}</p>
<p class="hint">Return to the application and start the connection again.</p>
{{else}}
<h1>Connect {{if .ClientName}}{{.ClientName}}{{else}}an application{{end}}</h1>
<p class="hint">Enter your API key to let this application act on your behalf, or skip to continue with anonymous access.</p>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="{{.Action}}">
<input type="hidden" name="client_id" value="{{.Request.ClientID}}">
<input type="hidden" name="redirect_uri" value="{{.Request.RedirectURI}}">
<input type="hidden" name="response_type" value="{{.Request.ResponseType}}">
<input type="hidden" name="state" value="{{.Request.State}}">
<input type="hidden" name="code_challenge" value="{{.Request.CodeChallenge}}">
<input type="hidden" name="code_challenge_method" value="{{.Request.CodeChallengeMethod}}">
<input type="hidden" name="scope" value="{{.Request.Scope}}">
<input type="hidden" name="resource" value="{{.Request.Resource}}">
<label for="api_key">API key</label>
<input type="password" id="api_key" name="api_key" autocomplete="off" autofocus>
<div class="actions">
<button type="submit" class="primary" name="action" value="connect">Connect</button>
<button type="submit" class="secondary" name="action" value="skip">Skip</button>
</div>
</form>
{{end}}
</main>
</body>
</html>
`

var consentPage = template.Must(template.New("consent").Parse(consentPageTemplate))

type consentPageData struct {
	Nonce      string
	Action     string
	ClientName string
	Request    *server.AuthorizationRequest
	Error      string

	// Fatal pages show only the error; there is nowhere safe to redirect.
	Fatal bool
}

func authorizationRequestFrom(get func(string) string) *server.AuthorizationRequest {
	return &server.AuthorizationRequest{
		ClientID:            get("client_id"),
		RedirectURI:         get("redirect_uri"),
		ResponseType:        get("response_type"),
		State:               get("state"),
		CodeChallenge:       get("code_challenge"),
		CodeChallengeMethod: get("code_challenge_method"),
		Scope:               get("scope"),
		Resource:            get("resource"),
	}
}

// ServeAuthorize validates an authorization request and renders the consent
// form. Invalid requests get an error page, never a redirect, because the
// redirect URI itself may be the thing that failed validation.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.authorize")
	defer span.End()

	req := authorizationRequestFrom(r.URL.Query().Get)
	span.SetAttributes(attribute.String(instrumentation.AttrClientID, req.ClientID))

	client, err := h.server.ValidateAuthorizationRequest(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.renderAuthorizeError(w, r, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.renderConsent(w, r, http.StatusOK, consentPageData{ClientName: client.ClientName, Request: req})
}

// ServeAuthorizeSubmit handles the consent form. "Skip" binds an anonymous
// credential; otherwise the trimmed API key is bound to a fresh code and the
// user agent is sent back to the client.
func (h *Handler) ServeAuthorizeSubmit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "oauth.http.authorize_submit")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		instrumentation.SetSpanError(span, "invalid form")
		status := http.StatusBadRequest
		if isBodyTooLarge(err) {
			status = http.StatusRequestEntityTooLarge
		}
		h.renderConsent(w, r, status, consentPageData{Fatal: true, Error: "The request could not be read."})
		return
	}

	req := authorizationRequestFrom(r.PostForm.Get)
	span.SetAttributes(attribute.String(instrumentation.AttrClientID, req.ClientID))

	client, err := h.server.ValidateAuthorizationRequest(ctx, req)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.renderAuthorizeError(w, r, err)
		return
	}

	var cred credential.Credential
	if r.PostForm.Get(formFieldAction) == actionSkip {
		cred = credential.Anonymous()
	} else {
		cred, err = credential.APIKey(strings.TrimSpace(r.PostForm.Get(formFieldAPIKey)))
		if err != nil {
			message := "Enter an API key, or choose Skip to continue without one."
			if errors.Is(err, credential.ErrMalformedAPIKey) {
				message = "The API key contains characters that are not allowed."
			}
			instrumentation.SetSpanError(span, "api key rejected")
			h.requestLogger(r).Info("API key rejected at consent", "client_id", req.ClientID, "reason", err)
			h.renderConsent(w, r, http.StatusBadRequest, consentPageData{
				ClientName: client.ClientName,
				Request:    req,
				Error:      message,
			})
			return
		}
	}

	code, err := h.server.IssueAuthorizationCode(ctx, req, cred, h.clientIP(r))
	if err != nil {
		instrumentation.RecordError(span, err)
		h.renderAuthorizeError(w, r, err)
		return
	}

	location, err := server.AuthorizationRedirectURL(code)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.renderAuthorizeError(w, r, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusFound)
}

func (h *Handler) renderAuthorizeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := h.requestLogger(r)
	var reqErr *server.AuthorizationRequestError
	if errors.As(err, &reqErr) {
		logger.Info("Authorization request rejected", "reason", reqErr.Description)
		h.renderConsent(w, r, http.StatusBadRequest, consentPageData{Fatal: true, Error: reqErr.Description})
		return
	}
	logger.Error("Authorization request failed", "error", err)
	h.renderConsent(w, r, http.StatusInternalServerError, consentPageData{
		Fatal: true,
		Error: "An internal error occurred.",
	})
}

func (h *Handler) renderConsent(w http.ResponseWriter, r *http.Request, status int, data consentPageData) {
	data.Nonce = rand.Text()
	data.Action = h.endpoint(PathAuthorize)

	security.SetFormSecurityHeaders(w, h.server.Config.Issuer, data.Nonce)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := consentPage.Execute(w, data); err != nil {
		h.requestLogger(r).Error("Failed to render consent page", "error", err)
	}
}

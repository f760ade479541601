package credential

import "context"

type contextKey struct{}

// NewContext returns a copy of ctx carrying c.
func NewContext(ctx context.Context, c Credential) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the credential stored by NewContext. Invalid
// credentials are reported as absent.
func FromContext(ctx context.Context) (Credential, bool) {
	c, ok := ctx.Value(contextKey{}).(Credential)
	if !ok || !c.IsValid() {
		return Credential{}, false
	}
	return c, true
}

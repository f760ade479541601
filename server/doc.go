// Package server implements the keybridge authorization server logic,
// independent of HTTP.
//
// A Server registers public clients, mints authorization codes bound to the
// credential the user submitted at the consent form (an API key or an
// anonymous choice), exchanges codes for sealed access tokens with PKCE
// verification, rotates refresh tokens and resolves bearer tokens back into
// credentials.
//
// Every refused grant is reported as ErrInvalidGrant; the specific cause is
// wrapped for logs and metrics and never reaches the client.
//
// Example usage:
//
//	store := memory.New()
//	sealer, _ := security.NewSealer(security.SealerConfig{Secret: secret})
//
//	srv, err := server.New(store, sealer, &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server

// Package storage defines the state-store interfaces the authorization server
// depends on, and the records they hold:
//   - ClientStore: registered clients (write once, never deleted)
//   - CodeStore: single-use authorization codes
//   - RefreshTokenStore: single-use refresh token records
//
// Codes and refresh tokens carry an absolute expiry. Implementations must make
// TakeAuthorizationCode and ConsumeRefreshToken atomic with respect to each
// other and to themselves: of any number of concurrent calls for the same key,
// exactly one may return the record.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory store with a background expiry sweep
//   - storage/mock: function-field mock for unit tests
package storage

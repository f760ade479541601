// Package testutil provides test fixtures for keybridge: a controllable
// clock, PKCE pairs, sealers and canned storage records.
package testutil

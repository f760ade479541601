package util

import "strings"

// SafeTruncate returns at most the first maxLen bytes of s. It is used to log
// a short prefix of codes and refresh tokens.
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                  // "short"
//	SafeTruncate("test", -1)                   // ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so resource indicators compare equal
// with or without them.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

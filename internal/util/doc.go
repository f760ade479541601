// Package util holds small string and host helpers shared by the server,
// store and HTTP layers.
package util

// Package syntax provides string types for the atproto account identifiers used during login: DIDs, handles, and the "at-identifier" union of the two.
//
// These are parsing and normalization helpers only. Resolution and verification live in the identity package.
package syntax

// Package olm implements the pairwise double-ratchet channel between two
// devices: triple-DH session establishment from a claimed one-time key,
// per-message ratchet advancement with skipped-key handling, and JSON
// pickling of session state for the persistent store.
//
// The package is purely computational; persistence and transport belong to
// the pairwise session manager built on top of it.
package olm

// Package crypto exposes the minimal primitives used by the engine.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie–Hellman (GenerateX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     Sign, Verify)
//   - Passphrase envelopes for key export files (SealWithPassphrase,
//     OpenWithPassphrase)
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// All functions operate on the fixed-size key types defined in
// internal/domain. Callers should treat returned secrets as sensitive and
// rely on memzero when practical to reduce lifetime in memory.
package crypto

// Package store provides sqlite-backed persistence for the engine's state.
//
// It contains one concrete Store implementing every domain storage
// interface: the local account, known devices and cross-signing keys,
// pairwise and group ratchet sessions, the replay ledger, key-share
// requests, withheld records, the backup version, and room membership.
// Ratchet state is stored as opaque pickles produced by the protocol
// packages; a few columns are broken out for lookups.
//
// Mutations to devices, cross-signing keys, inbound sessions and gossip
// requests are published through the Notifier so that trust recomputation
// and retry-on-new-session behavior need no polling.
package store

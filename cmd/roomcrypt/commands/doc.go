// Package commands defines the roomcrypt CLI and wires dependencies for
// subcommands.
//
// Commands
//
//   - init            Create the device account and publish its keys
//   - status          Show account identity and session counts
//   - devices         List a user's devices and their trust
//   - verify          Mark a device verified or blocked
//   - backup create   Create a key backup version, printing the recovery key
//   - backup upload   Upload pending sessions to the backup
//   - backup restore  Restore sessions from a backup version
//   - export          Write a passphrase-sealed key export file
//   - import          Install sessions from a key export file
//
// # Implementation
//
// The root command builds the dependency graph (store, transport, services,
// engine) before any subcommand runs, so handlers share one app context.
package commands

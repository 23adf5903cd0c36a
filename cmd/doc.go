// Package cmd implements the command-line interface of dIdx. All commands share
// the storage, index and logging flags of the root command; every flag can also
// be set with a DIDX_ prefixed environment variable or in a .env file.
//
// The package is organized into several subpackages:
//
//   - demo: the SportsTeam example in every update mode
//   - bench: throughput of indexed actor updates
//   - inspect: offline lookups and statistics of persisted indexes
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See didx -help for a list of all commands.
package cmd

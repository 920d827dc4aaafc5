// Package cmd implements the command-line interface of dGrid.
//
// The package is organized into several subpackages:
//
//   - node: Starts a grid node (recovery check, election, status output)
//   - attr: Inspects and edits a file attribute store (last primary records)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dgrid -help for a list of all commands.
package cmd

// Package app turns command-line options into one derivation run.
//
// Responsibilities:
// - Resolve options against the loaded configuration into a Plan, reporting
//   every configuration error before any secret material exists.
// - Source the master password from a flag, a file or the terminal prompt.
// - Pick the second-factor provider and drive the generator.
// - Classify failures into the error kinds the CLI turns into exit codes.
//
// Non-responsibilities:
// - Flag parsing and process exit, which live in cmd/sitepass.
package app

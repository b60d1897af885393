// Package parser loads range description files (host_settings,
// guest_settings, clone_settings) into the typed entity model.
//
// Parsing is strict by default: unknown keys are rejected with errors that
// name the offending field path. Legacy compatibility mode relaxes this
// for descriptions written against older CyRIS releases.
package parser

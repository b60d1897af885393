// Package types defines the CyRIS entity model: hosts, guest templates,
// clone settings, cloned guests, range metadata, operation records, task
// results and the resource inventory used for teardown.
//
// Entities reference each other by id, never by pointer; the resource
// inventory document is the sole owner of on-disk paths.
package types

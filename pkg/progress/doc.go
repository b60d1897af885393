// Package progress renders user-visible progress for range workflows.
// Two implementations exist: a plain reporter using the legacy
// "* INFO: cyris:" line format and a colored reporter for interactive
// terminals. Selection is automatic via TTY detection.
package progress

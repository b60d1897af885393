// Package tasks runs guest customization over SSH: accounts, packages,
// content, program execution and the emulation tasks. Each task verifies
// its own effect with a read-only probe and carries the evidence in its
// result. Failures are results, not errors, unless the task is fatal.
package tasks

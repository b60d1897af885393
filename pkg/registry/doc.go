/*
Package registry keeps the append-only operation ledger: every external
side-effect CyRIS performs (shell command, SSH call, hypervisor mutation,
file transfer, builder run) becomes one immutable OperationRecord with a
monotonically increasing seq.

The ledger is the single source of truth for whether a range creation
succeeded: the orchestrator aggregates it with Failures/Success and writes
the SUCCESS|FAILURE sidecar next to the range's creation.log.

Commands run through Run are captured (stdout/stderr tails), redacted,
timed, and fail loudly unless the caller explicitly set IgnoreErrors.
*/
package registry

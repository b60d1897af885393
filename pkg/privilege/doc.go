/*
Package privilege obtains and caches the elevated privileges required by
the image builder and select host operations.

The primary method allocates a pseudo-terminal and forwards process stdin
so the privileged tool can prompt normally, restoring terminal attributes
on every exit path. When the tool's output shows it cannot prompt
("terminal is required", "a password is required", "askpass helper"), the
session falls back to reading a password from /dev/tty and feeding it on
stdin via the tool's -S switch. If neither method can work, the error
carries three environment-specific remediation lines.

Elevation is acquired proactively, once per workflow, and trusted for 15
minutes before re-acquisition.
*/
package privilege

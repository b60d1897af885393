/*
Package sshexec executes commands and transfers files on range hosts and
guests over SSH.

Authentication is attempted in a fixed order: explicit private key, SSH
agent, password. Transient transport errors (connection refused, timeout,
agent races) are retried up to three times with a five second back-off; a
non-zero remote exit status is never retried. Host keys are not verified
(isolated training networks) but every fingerprint is logged.

ParallelExecute fans a command out over many hosts, delegating to a
system parallel-SSH binary when one is installed and otherwise using a
semaphore-bounded goroutine fan-out with the same semantics.
*/
package sshexec

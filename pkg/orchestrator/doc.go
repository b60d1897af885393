/*
Package orchestrator coordinates the range lifecycle. Creation is a
staged pipeline: elevation, topology planning, network creation, base
image preparation, bounded-parallel guest cloning, readiness probing,
forwarding policy, then guest tasks. Any stage failure rolls the range
back and parks it in error state with its ledger and inventory intact.

The final verdict of a creation is the operation ledger's: a range is
only active when no recorded operation failed without being declared
ignorable.
*/
package orchestrator

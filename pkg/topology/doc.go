// Package topology realizes a range's declared networks: deterministic
// subnet and IP allocation, bridge naming, and layer-3 forward policy
// synthesized into a per-range iptables chain. Planning is pure so the
// same description always yields the same addresses; application goes
// through the elevation session and the operation ledger.
package topology

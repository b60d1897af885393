// Package ipresolver finds cloned guest addresses. Methods run in a
// fixed priority order, from recorded topology assignments down to a
// neighbor-table scan of the range's bridges, each with a declared
// confidence. Hits are cached briefly and can be invalidated when a
// guest reboots. A total miss reports every method's failure, not just
// the last one.
package ipresolver

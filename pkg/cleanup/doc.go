// Package cleanup tears ranges down from their recorded resource
// inventory, with a naming-convention scan as the fallback when the
// inventory is gone. Guests get a clean-shutdown grace period before
// being forced off. Backing images are out of scope here.
package cleanup

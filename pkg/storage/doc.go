// Package storage persists the two range documents at the cyber-range
// root: ranges_metadata.json (human facts, lifecycle status) and
// ranges_resources.json (the inventory teardown relies on). Mutations
// are serialized with a file lock; readers tolerate stale snapshots.
package storage

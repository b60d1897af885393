package storage

import (
	"errors"

	"github.com/cyris-project/cyris/pkg/types"
)

// ErrNotFound is returned when a range has no entry in a document.
var ErrNotFound = errors.New("not found")

// Store persists range metadata and the per-range resource inventory.
type Store interface {
	// Metadata operations (ranges_metadata.json)
	SaveMetadata(md *types.RangeMetadata) error
	GetMetadata(rangeID string) (*types.RangeMetadata, error)
	ListMetadata() ([]*types.RangeMetadata, error)
	DeleteMetadata(rangeID string) error

	// Resource inventory operations (ranges_resources.json)
	SaveResources(res *types.RangeResources) error
	GetResources(rangeID string) (*types.RangeResources, error)
	AppendResource(rangeID string, r types.Resource) error
	DeleteResources(rangeID string) error

	// ImageReferenced reports whether any range's inventory references
	// the base image at path. Backing images are never deleted while
	// this holds.
	ImageReferenced(path string) (bool, error)
}

package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cyris-project/cyris/pkg/types"
)

const (
	metadataFile  = "ranges_metadata.json"
	resourcesFile = "ranges_resources.json"
	lockFile      = ".ranges.lock"
)

// JSONStore keeps both documents as human-readable JSON at the
// cyber-range root. Every mutation holds an exclusive flock on a sidecar
// lock file for its duration; readers take snapshots without locking and
// tolerate staleness.
type JSONStore struct {
	dir string
}

// NewJSONStore creates the store rooted at the cyber-range directory.
func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cyber range dir: %w", err)
	}
	return &JSONStore{dir: dir}, nil
}

// Dir returns the cyber-range root this store persists under.
func (s *JSONStore) Dir() string { return s.dir }

// withLock runs fn holding the exclusive document lock.
func (s *JSONStore) withLock(fn func() error) error {
	f, err := os.OpenFile(filepath.Join(s.dir, lockFile), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return types.NewError(types.ErrResource, "lock documents", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn()
}

func readDoc[V any](path string) (map[string]V, error) {
	out := map[string]V{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("corrupt document %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

// writeDoc writes atomically: temp file, fsync, rename.
func writeDoc[V any](path string, doc map[string]V) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func mutateDoc[V any](s *JSONStore, file string, fn func(map[string]V) error) error {
	return s.withLock(func() error {
		path := filepath.Join(s.dir, file)
		doc, err := readDoc[V](path)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		return writeDoc(path, doc)
	})
}

// Metadata operations

func (s *JSONStore) SaveMetadata(md *types.RangeMetadata) error {
	md.LastModified = time.Now()
	return mutateDoc(s, metadataFile, func(doc map[string]*types.RangeMetadata) error {
		doc[md.RangeID] = md
		return nil
	})
}

func (s *JSONStore) GetMetadata(rangeID string) (*types.RangeMetadata, error) {
	doc, err := readDoc[*types.RangeMetadata](filepath.Join(s.dir, metadataFile))
	if err != nil {
		return nil, err
	}
	md, ok := doc[rangeID]
	if !ok {
		return nil, fmt.Errorf("range %s: %w", rangeID, ErrNotFound)
	}
	return md, nil
}

func (s *JSONStore) ListMetadata() ([]*types.RangeMetadata, error) {
	doc, err := readDoc[*types.RangeMetadata](filepath.Join(s.dir, metadataFile))
	if err != nil {
		return nil, err
	}
	out := make([]*types.RangeMetadata, 0, len(doc))
	for _, md := range doc {
		out = append(out, md)
	}
	return out, nil
}

func (s *JSONStore) DeleteMetadata(rangeID string) error {
	return mutateDoc(s, metadataFile, func(doc map[string]*types.RangeMetadata) error {
		delete(doc, rangeID)
		return nil
	})
}

// Resource inventory operations

func (s *JSONStore) SaveResources(res *types.RangeResources) error {
	return mutateDoc(s, resourcesFile, func(doc map[string]*types.RangeResources) error {
		doc[res.RangeID] = res
		return nil
	})
}

func (s *JSONStore) GetResources(rangeID string) (*types.RangeResources, error) {
	doc, err := readDoc[*types.RangeResources](filepath.Join(s.dir, resourcesFile))
	if err != nil {
		return nil, err
	}
	res, ok := doc[rangeID]
	if !ok {
		return nil, fmt.Errorf("range %s: %w", rangeID, ErrNotFound)
	}
	return res, nil
}

func (s *JSONStore) AppendResource(rangeID string, r types.Resource) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return mutateDoc(s, resourcesFile, func(doc map[string]*types.RangeResources) error {
		res, ok := doc[rangeID]
		if !ok {
			res = &types.RangeResources{RangeID: rangeID}
			doc[rangeID] = res
		}
		res.Resources = append(res.Resources, r)
		return nil
	})
}

func (s *JSONStore) DeleteResources(rangeID string) error {
	return mutateDoc(s, resourcesFile, func(doc map[string]*types.RangeResources) error {
		delete(doc, rangeID)
		return nil
	})
}

func (s *JSONStore) ImageReferenced(path string) (bool, error) {
	doc, err := readDoc[*types.RangeResources](filepath.Join(s.dir, resourcesFile))
	if err != nil {
		return false, err
	}
	for _, res := range doc {
		for _, r := range res.Resources {
			if r.Kind == types.ResImage && r.Name == path {
				return true, nil
			}
		}
	}
	return false, nil
}

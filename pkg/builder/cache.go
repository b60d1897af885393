package builder

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cyris-project/cyris/pkg/types"
)

var bucketImages = []byte("images")

// BuildKey identifies one unique image build: same name, size and
// build-time tasks hash to the same key and share one cached image.
type BuildKey struct {
	ImageName string
	DiskSize  string
	Tasks     []types.Task // build-time subset, in order
}

// Hash returns the content hash of the key (12 hex digits, enough to
// disambiguate a cache directory).
func (k BuildKey) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00", k.ImageName, k.DiskSize)
	for _, t := range k.Tasks {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s\x00",
			t.Type, t.Account, t.Passwd, t.NewPasswd, t.Groups)
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// cacheEntry is the persisted index record for one built image.
type cacheEntry struct {
	Path      string    `json:"path"`
	ImageName string    `json:"image_name"`
	BuiltAt   time.Time `json:"built_at"`
}

// Cache indexes built images under a directory, keyed by build hash.
// The index lives in a bbolt file next to the images.
type Cache struct {
	dir string
	db  *bolt.DB
}

// OpenCache opens (creating if needed) the image cache at dir.
func OpenCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "index.db"), 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketImages)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{dir: dir, db: db}, nil
}

// Close closes the index.
func (c *Cache) Close() error {
	return c.db.Close()
}

// ImagePath returns the canonical path for a build key.
func (c *Cache) ImagePath(key BuildKey) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s-%s.qcow2", key.ImageName, key.Hash()))
}

// Lookup returns the cached image path for key, if the index has it and
// the file still exists.
func (c *Cache) Lookup(key BuildKey) (string, bool) {
	var entry cacheEntry
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketImages).Get([]byte(key.Hash()))
		if data == nil {
			return fmt.Errorf("miss")
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return "", false
	}
	if _, err := os.Stat(entry.Path); err != nil {
		return "", false
	}
	return entry.Path, true
}

// Store records a built image in the index.
func (c *Cache) Store(key BuildKey, path string) error {
	entry := cacheEntry{Path: path, ImageName: key.ImageName, BuiltAt: time.Now()}
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketImages).Put([]byte(key.Hash()), data)
	})
}

// Evict removes an image and its index entry. referenced is consulted
// first: an image backing any range's overlays is never deleted.
func (c *Cache) Evict(key BuildKey, referenced func(path string) (bool, error)) error {
	path := c.ImagePath(key)
	if referenced != nil {
		inUse, err := referenced(path)
		if err != nil {
			return err
		}
		if inUse {
			return types.NewError(types.ErrResource, "evict image",
				fmt.Errorf("image %s is referenced by an existing range", path))
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).Delete([]byte(key.Hash()))
	})
}

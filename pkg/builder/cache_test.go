package builder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyris-project/cyris/pkg/types"
)

func TestBuildKeyHashStable(t *testing.T) {
	key := BuildKey{
		ImageName: "ubuntu-20.04",
		DiskSize:  "20G",
		Tasks: []types.Task{
			{Type: types.TaskAddAccount, Account: "trainee", Passwd: "t123"},
		},
	}
	assert.Equal(t, key.Hash(), key.Hash())
	assert.Len(t, key.Hash(), 12)
}

func TestBuildKeyHashDiscriminates(t *testing.T) {
	base := BuildKey{ImageName: "ubuntu-20.04", DiskSize: "20G"}

	diffName := base
	diffName.ImageName = "ubuntu-22.04"
	assert.NotEqual(t, base.Hash(), diffName.Hash())

	diffSize := base
	diffSize.DiskSize = "40G"
	assert.NotEqual(t, base.Hash(), diffSize.Hash())

	diffTasks := base
	diffTasks.Tasks = []types.Task{{Type: types.TaskAddAccount, Account: "a", Passwd: "p"}}
	assert.NotEqual(t, base.Hash(), diffTasks.Hash())

	// Task order matters: different order means a different image.
	ab := base
	ab.Tasks = []types.Task{
		{Type: types.TaskAddAccount, Account: "a", Passwd: "p"},
		{Type: types.TaskAddAccount, Account: "b", Passwd: "p"},
	}
	ba := base
	ba.Tasks = []types.Task{
		{Type: types.TaskAddAccount, Account: "b", Passwd: "p"},
		{Type: types.TaskAddAccount, Account: "a", Passwd: "p"},
	}
	assert.NotEqual(t, ab.Hash(), ba.Hash())
}

func TestCacheLookupStoreEvict(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenCache(dir)
	require.NoError(t, err)
	defer cache.Close()

	key := BuildKey{ImageName: "ubuntu-20.04"}
	_, ok := cache.Lookup(key)
	assert.False(t, ok, "empty cache must miss")

	// Store with a real file behind it.
	path := cache.ImagePath(key)
	require.NoError(t, os.WriteFile(path, []byte("qcow2"), 0644))
	require.NoError(t, cache.Store(key, path))

	got, ok := cache.Lookup(key)
	assert.True(t, ok)
	assert.Equal(t, path, got)

	// A vanished file invalidates the entry.
	require.NoError(t, os.Remove(path))
	_, ok = cache.Lookup(key)
	assert.False(t, ok)
}

func TestEvictRefusesReferencedImage(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenCache(dir)
	require.NoError(t, err)
	defer cache.Close()

	key := BuildKey{ImageName: "debian-12"}
	path := cache.ImagePath(key)
	require.NoError(t, os.WriteFile(path, []byte("qcow2"), 0644))
	require.NoError(t, cache.Store(key, path))

	err = cache.Evict(key, func(string) (bool, error) { return true, nil })
	require.Error(t, err)
	assert.Equal(t, types.ErrResource, types.KindOf(err))
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "referenced image must survive eviction attempt")

	require.NoError(t, cache.Evict(key, func(string) (bool, error) { return false, nil }))
	_, statErr = os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	_, ok := cache.Lookup(key)
	assert.False(t, ok)
}

func TestImagePathEncodesHash(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenCache(dir)
	require.NoError(t, err)
	defer cache.Close()

	key := BuildKey{ImageName: "fedora-39", DiskSize: "10G"}
	path := cache.ImagePath(key)
	assert.Equal(t, filepath.Join(dir, "fedora-39-"+key.Hash()+".qcow2"), path)
}

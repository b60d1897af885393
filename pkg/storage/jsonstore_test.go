package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyris-project/cyris/pkg/types"
)

func newTestStore(t *testing.T) *JSONStore {
	t.Helper()
	s, err := NewJSONStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)

	md := &types.RangeMetadata{
		RangeID:   "range01",
		Status:    types.StatusCreating,
		CreatedAt: time.Now(),
		IPAssignments: map[string]string{
			"cyris-desktop-0123456789ab": "172.16.1.2",
		},
	}
	require.NoError(t, s.SaveMetadata(md))

	got, err := s.GetMetadata("range01")
	require.NoError(t, err)
	assert.Equal(t, "range01", got.RangeID)
	assert.Equal(t, types.StatusCreating, got.Status)
	assert.Equal(t, "172.16.1.2", got.IPAssignments["cyris-desktop-0123456789ab"])
	assert.False(t, got.LastModified.IsZero(), "save must stamp last_modified")
}

func TestGetMetadataNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetMetadata("ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "ghost")
}

func TestListMetadata(t *testing.T) {
	s := newTestStore(t)

	all, err := s.ListMetadata()
	require.NoError(t, err)
	assert.Empty(t, all)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.SaveMetadata(&types.RangeMetadata{RangeID: id}))
	}
	all, err = s.ListMetadata()
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDeleteMetadata(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveMetadata(&types.RangeMetadata{RangeID: "r1"}))

	require.NoError(t, s.DeleteMetadata("r1"))
	_, err := s.GetMetadata("r1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an unknown range converges silently.
	assert.NoError(t, s.DeleteMetadata("r1"))
}

func TestResourceInventory(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetResources("r1")
	assert.ErrorIs(t, err, ErrNotFound)

	// AppendResource creates the inventory on first use.
	require.NoError(t, s.AppendResource("r1", types.Resource{
		Kind: types.ResBridge, Name: "cr-br-r1-office",
	}))
	require.NoError(t, s.AppendResource("r1", types.Resource{
		Kind: types.ResDomain, Name: "cyris-desktop-0123456789ab",
	}))

	res, err := s.GetResources("r1")
	require.NoError(t, err)
	require.Len(t, res.Resources, 2)
	assert.Equal(t, types.ResBridge, res.Resources[0].Kind)
	assert.False(t, res.Resources[0].CreatedAt.IsZero(), "append must default created_at")

	require.NoError(t, s.DeleteResources("r1"))
	_, err = s.GetResources("r1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveResourcesReplacesInventory(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendResource("r1", types.Resource{Kind: types.ResISO, Name: "/seed.iso"}))

	require.NoError(t, s.SaveResources(&types.RangeResources{
		RangeID:   "r1",
		Resources: []types.Resource{{Kind: types.ResOverlay, Name: "/d.qcow2"}},
	}))

	res, err := s.GetResources("r1")
	require.NoError(t, err)
	require.Len(t, res.Resources, 1)
	assert.Equal(t, types.ResOverlay, res.Resources[0].Kind)
}

func TestImageReferenced(t *testing.T) {
	s := newTestStore(t)

	ref, err := s.ImageReferenced("/images/base.qcow2")
	require.NoError(t, err)
	assert.False(t, ref)

	require.NoError(t, s.AppendResource("r1", types.Resource{
		Kind: types.ResImage, Name: "/images/base.qcow2",
	}))
	require.NoError(t, s.AppendResource("r2", types.Resource{
		Kind: types.ResOverlay, Name: "/images/other.qcow2",
	}))

	ref, err = s.ImageReferenced("/images/base.qcow2")
	require.NoError(t, err)
	assert.True(t, ref)

	// Overlays do not pin images.
	ref, err = s.ImageReferenced("/images/other.qcow2")
	require.NoError(t, err)
	assert.False(t, ref)
}

func TestDocumentsAreHumanReadableJSON(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveMetadata(&types.RangeMetadata{RangeID: "r1", Status: types.StatusActive}))

	data, err := os.ReadFile(filepath.Join(s.Dir(), "ranges_metadata.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"r1\"", "document must be indented")
}

func TestCorruptDocumentSurfacesError(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "ranges_metadata.json"),
		[]byte("{not json"), 0644))

	_, err := s.GetMetadata("r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt document")
}

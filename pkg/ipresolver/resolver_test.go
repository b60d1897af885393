package ipresolver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyris-project/cyris/pkg/registry"
	"github.com/cyris-project/cyris/pkg/storage"
	"github.com/cyris-project/cyris/pkg/types"
)

func TestGuestIDFromCloneName(t *testing.T) {
	tests := []struct {
		name   string
		vmName string
		want   string
		ok     bool
	}{
		{"simple", "cyris-desktop-0123456789ab", "desktop", true},
		{"hyphenated guest id", "cyris-web-server-abcdefabcdef", "web-server", true},
		{"wrong prefix", "other-desktop-0123456789ab", "", false},
		{"short suffix", "cyris-desktop-0123", "", false},
		{"uppercase suffix", "cyris-desktop-0123456789AB", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := GuestIDFromCloneName(tt.vmName)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

// fakeStore serves one metadata record.
type fakeStore struct {
	storage.Store
	md *types.RangeMetadata
}

func (f *fakeStore) GetMetadata(rangeID string) (*types.RangeMetadata, error) {
	if f.md == nil || f.md.RangeID != rangeID {
		return nil, storage.ErrNotFound
	}
	return f.md, nil
}

// fakeLeaser answers lease and MAC queries.
type fakeLeaser struct {
	leases map[string]string
	macs   []string
	err    error
}

func (f *fakeLeaser) LeaseIPs(ctx context.Context, domain string) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.leases, nil
}

func (f *fakeLeaser) DomainMACs(ctx context.Context, domain string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.macs, nil
}

func TestResolveMetadataWinsFirst(t *testing.T) {
	store := &fakeStore{md: &types.RangeMetadata{
		RangeID:       "r1",
		IPAssignments: map[string]string{"cyris-desktop-0123456789ab": "172.16.1.2"},
	}}
	// A leaser that would also answer; metadata must still win.
	hv := &fakeLeaser{leases: map[string]string{"52:54:00:aa:bb:cc": "172.16.1.99"}}

	r := New(store, hv, registry.New(), time.Minute)
	res, err := r.Resolve(context.Background(), "r1", "cyris-desktop-0123456789ab")
	require.NoError(t, err)
	assert.Equal(t, "172.16.1.2", res.IP)
	assert.Equal(t, MethodTopology, res.Method)
	assert.Equal(t, 1.0, res.Confidence)
}

func TestResolveFallsThroughToLease(t *testing.T) {
	store := &fakeStore{md: &types.RangeMetadata{RangeID: "r1"}}
	hv := &fakeLeaser{leases: map[string]string{"52:54:00:aa:bb:cc": "172.16.1.50"}}

	r := New(store, hv, registry.New(), 0)
	r.arpPath = filepath.Join(t.TempDir(), "missing")
	res, err := r.Resolve(context.Background(), "r1", "cyris-desktop-0123456789ab")
	require.NoError(t, err)
	assert.Equal(t, "172.16.1.50", res.IP)
	assert.Equal(t, MethodLease, res.Method)
	assert.InDelta(t, 0.9, res.Confidence, 0.001)
}

func TestResolveARPScan(t *testing.T) {
	arp := filepath.Join(t.TempDir(), "arp")
	require.NoError(t, os.WriteFile(arp, []byte(
		"IP address       HW type     Flags       HW address            Mask     Device\n"+
			"192.168.122.1    0x1         0x2         aa:bb:cc:dd:ee:ff     *        virbr0\n"+
			"172.16.1.77      0x1         0x2         52:54:00:AA:BB:CC     *        cr-br-r1-office\n"), 0644))

	store := &fakeStore{md: &types.RangeMetadata{RangeID: "r1"}}
	hv := &fakeLeaser{macs: []string{"52:54:00:aa:bb:cc"}}

	r := New(store, hv, registry.New(), 0)
	r.arpPath = arp
	r.leaseGlobs = nil

	res, err := r.Resolve(context.Background(), "r1", "cyris-desktop-0123456789ab")
	require.NoError(t, err)
	assert.Equal(t, "172.16.1.77", res.IP)
	assert.Equal(t, MethodARP, res.Method)
}

func TestResolveDnsmasqLeases(t *testing.T) {
	dir := t.TempDir()
	lease := filepath.Join(dir, "office.leases")
	require.NoError(t, os.WriteFile(lease, []byte(
		"1756200000 52:54:00:aa:bb:cc 172.16.1.80 cyris-desktop *\n"), 0644))

	store := &fakeStore{md: &types.RangeMetadata{RangeID: "r1"}}
	hv := &fakeLeaser{macs: []string{"52:54:00:AA:BB:CC"}}

	r := New(store, hv, registry.New(), 0)
	r.arpPath = filepath.Join(dir, "missing-arp")
	r.leaseGlobs = []string{filepath.Join(dir, "*.leases")}

	res, err := r.Resolve(context.Background(), "r1", "cyris-desktop-0123456789ab")
	require.NoError(t, err)
	assert.Equal(t, "172.16.1.80", res.IP)
	assert.Equal(t, MethodDHCPLeases, res.Method)
}

func TestResolveTotalMissReportsEveryMethod(t *testing.T) {
	store := &fakeStore{}
	hv := &fakeLeaser{err: errors.New("libvirt unreachable")}

	r := New(store, hv, registry.New(), 0)
	r.arpPath = filepath.Join(t.TempDir(), "missing")
	r.leaseGlobs = nil

	_, err := r.Resolve(context.Background(), "r1", "cyris-desktop-0123456789ab")
	require.Error(t, err)
	assert.Equal(t, types.ErrNetwork, types.KindOf(err))

	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Len(t, resErr.Attempts, 6, "every method's failure must be reported")
	assert.Contains(t, err.Error(), string(MethodTopology))
	assert.Contains(t, err.Error(), string(MethodBridge))
}

func TestResolveCachesAndInvalidates(t *testing.T) {
	store := &fakeStore{md: &types.RangeMetadata{
		RangeID:       "r1",
		IPAssignments: map[string]string{"cyris-a-0123456789ab": "10.1.1.2"},
	}}
	r := New(store, &fakeLeaser{}, registry.New(), time.Minute)

	res, err := r.Resolve(context.Background(), "r1", "cyris-a-0123456789ab")
	require.NoError(t, err)

	// Mutate the backing store; the cache keeps answering.
	store.md.IPAssignments["cyris-a-0123456789ab"] = "10.1.1.200"
	cached, err := r.Resolve(context.Background(), "r1", "cyris-a-0123456789ab")
	require.NoError(t, err)
	assert.Equal(t, res.IP, cached.IP)

	r.Invalidate("cyris-a-0123456789ab")
	fresh, err := r.Resolve(context.Background(), "r1", "cyris-a-0123456789ab")
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.200", fresh.IP)
}

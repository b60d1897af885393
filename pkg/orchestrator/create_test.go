package orchestrator

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyris-project/cyris/pkg/config"
	"github.com/cyris-project/cyris/pkg/progress"
	"github.com/cyris-project/cyris/pkg/registry"
	"github.com/cyris-project/cyris/pkg/sshexec"
	"github.com/cyris-project/cyris/pkg/storage"
	"github.com/cyris-project/cyris/pkg/tasks"
	"github.com/cyris-project/cyris/pkg/types"
)

// 192.0.2.0/24 is reserved for documentation; nothing answers there.
const unreachableIP = "192.0.2.1"

// testOrchestrator wires just enough collaborators for the readiness and
// task phases: a real ledger, a real store, and an SSH executor with a
// short timeout and no retries.
func testOrchestrator(t *testing.T, reg *registry.Registry) *Orchestrator {
	t.Helper()
	store, err := storage.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	ssh := sshexec.New(reg, 200*time.Millisecond, 1, time.Millisecond)
	return &Orchestrator{
		cfg:           &config.Config{IPDiscoveryTimeout: 50 * time.Millisecond},
		store:         store,
		reg:           reg,
		runner:        tasks.New(ssh),
		reporter:      progress.NewPlain(io.Discard),
		probeInterval: time.Millisecond,
		reachable:     func(string) bool { return false },
	}
}

func oneTaskDesc(fatal bool) *types.RangeDescription {
	return &types.RangeDescription{
		Guests: []types.Guest{{
			ID:         "desktop",
			BaseVMType: types.BaseVMKVM,
			Tasks: []types.Task{{
				ID:    "t0",
				Type:  types.TaskInstallPackage,
				Name:  "wireshark",
				Fatal: fatal,
			}},
		}},
	}
}

func TestRunTasksNonFatalFailureKeepsRangeResult(t *testing.T) {
	reg := registry.New()
	o := testOrchestrator(t, reg)

	guests := []*types.ClonedGuest{{
		Name:    "cyris-desktop-0123456789ab",
		GuestID: "desktop",
		RangeID: "range01",
		IP:      unreachableIP,
	}}

	err := o.runTasks(context.Background(), "range01", oneTaskDesc(false), guests, nil)
	require.NoError(t, err, "a non-fatal task failure must not abort the range")

	assert.True(t, reg.Success("range01"), "only fatal failures may flip the range result")
	assert.Zero(t, reg.Failures("range01"))
	assert.Positive(t, reg.IgnoredFailures("range01"),
		"the failure still lands in the ledger, marked ignorable")
}

func TestRunTasksFatalFailureFlipsRangeResult(t *testing.T) {
	reg := registry.New()
	o := testOrchestrator(t, reg)

	guests := []*types.ClonedGuest{{
		Name:    "cyris-desktop-0123456789ab",
		GuestID: "desktop",
		RangeID: "range01",
		IP:      unreachableIP,
	}}

	err := o.runTasks(context.Background(), "range01", oneTaskDesc(true), guests, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrTask, types.KindOf(err))
	assert.False(t, reg.Success("range01"))
}

func TestRunTasksSkipsUnreachableGuests(t *testing.T) {
	reg := registry.New()
	o := testOrchestrator(t, reg)

	guests := []*types.ClonedGuest{{
		Name:    "cyris-desktop-0123456789ab",
		GuestID: "desktop",
		RangeID: "range01",
	}}

	err := o.runTasks(context.Background(), "range01", oneTaskDesc(false), guests,
		[]string{"cyris-desktop-0123456789ab"})
	require.NoError(t, err)

	recs := reg.Records("range01")
	require.Len(t, recs, 1, "no SSH attempt, just the skip record")
	assert.Contains(t, recs[0].Command, "skipped")
	assert.True(t, recs[0].Ignored)
	assert.True(t, reg.Success("range01"), "skipped tasks leave the range result intact")
}

func TestWaitReadyReportsUnreachableGuestsWithoutError(t *testing.T) {
	o := testOrchestrator(t, registry.New())
	md := &types.RangeMetadata{RangeID: "range01", IPAssignments: map[string]string{}}
	guests := []*types.ClonedGuest{
		{Name: "cyris-b-000000000000", RangeID: "range01", IP: unreachableIP},
		{Name: "cyris-a-000000000000", RangeID: "range01", IP: unreachableIP},
	}

	unreachable, err := o.waitReady(context.Background(), md, guests)
	require.NoError(t, err, "an unreachable guest must not fail the range")
	assert.Equal(t, []string{"cyris-a-000000000000", "cyris-b-000000000000"}, unreachable)
	assert.Empty(t, md.IPAssignments)
}

func TestWaitReadyRecordsReadyGuests(t *testing.T) {
	o := testOrchestrator(t, registry.New())
	o.reachable = func(string) bool { return true }
	md := &types.RangeMetadata{RangeID: "range01", IPAssignments: map[string]string{}}
	guests := []*types.ClonedGuest{
		{Name: "cyris-a-000000000000", RangeID: "range01", IP: unreachableIP},
	}

	unreachable, err := o.waitReady(context.Background(), md, guests)
	require.NoError(t, err)
	assert.Empty(t, unreachable)
	assert.Equal(t, unreachableIP, md.IPAssignments["cyris-a-000000000000"])
}

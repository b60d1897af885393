package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cyris-project/cyris/pkg/events"
	"github.com/cyris-project/cyris/pkg/kvm"
	"github.com/cyris-project/cyris/pkg/storage"
	"github.com/cyris-project/cyris/pkg/types"
)

// Destroy tears the range down and marks it destroyed. Destroying an
// already-destroyed range is a no-op; destroying an unknown range is an
// error.
func (o *Orchestrator) Destroy(ctx context.Context, rangeID string) error {
	md, err := o.store.GetMetadata(rangeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.NewError(types.ErrResource, "destroy range",
				fmt.Errorf("range %s does not exist", rangeID))
		}
		return err
	}
	if md.Status == types.StatusDestroyed {
		return nil
	}

	if err := o.setStatus(md, types.StatusDestroying); err != nil {
		return err
	}
	o.publish(events.EventRangeDestroying, rangeID, "range teardown started")

	if err := o.priv.Acquire(ctx); err != nil {
		return err
	}

	// Drop cached IPs for the range's domains; a later range may reuse
	// the names with different addresses.
	if res, resErr := o.store.GetResources(rangeID); resErr == nil {
		for _, r := range res.Resources {
			if r.Kind == types.ResDomain {
				o.resolver.Invalidate(r.Name)
			}
		}
	}

	if err := o.cleaner.Destroy(ctx, rangeID); err != nil {
		md.Status = types.StatusError
		md.LastModified = time.Now()
		o.store.SaveMetadata(md)
		return err
	}

	if err := o.setStatus(md, types.StatusDestroyed); err != nil {
		return err
	}
	o.publish(events.EventRangeDestroyed, rangeID, "range destroyed")
	return nil
}

// Remove forgets a destroyed range: metadata, inventory, and the range
// directory. Only terminal ranges can be removed.
func (o *Orchestrator) Remove(ctx context.Context, rangeID string) error {
	md, err := o.store.GetMetadata(rangeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.NewError(types.ErrResource, "remove range",
				fmt.Errorf("range %s does not exist", rangeID))
		}
		return err
	}
	if md.Status != types.StatusDestroyed && md.Status != types.StatusError {
		return types.NewError(types.ErrResource, "remove range",
			fmt.Errorf("range %s is %s, destroy it first", rangeID, md.Status))
	}
	if err := o.cleaner.Remove(rangeID); err != nil {
		return err
	}
	o.publish(events.EventRangeRemoved, rangeID, "range removed")
	return nil
}

// GuestState is one row of a status report.
type GuestState struct {
	Name         string
	IP           string
	Running      bool
	SSHReachable bool          // probed in verbose mode only
	Disk         *kvm.DiskInfo // populated in verbose mode only
}

// StatusReport is everything `status` shows about one range.
type StatusReport struct {
	Metadata *types.RangeMetadata
	Guests   []GuestState
	Failures int
}

// Status reports a range's live state. verbose adds per-overlay disk
// health probes, which shell out to qemu-img.
func (o *Orchestrator) Status(ctx context.Context, rangeID string, verbose bool) (*StatusReport, error) {
	md, err := o.store.GetMetadata(rangeID)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Metadata: md, Failures: o.reg.Failures(rangeID)}

	res, err := o.store.GetResources(rangeID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	hvctx := kvm.WithRange(ctx, rangeID, "status")
	overlays := map[string]string{}
	if res != nil {
		for _, r := range res.Resources {
			if r.Kind == types.ResOverlay {
				overlays[domainForOverlay(r.Name)] = r.Name
			}
		}
		for _, r := range res.Resources {
			if r.Kind != types.ResDomain {
				continue
			}
			state := GuestState{Name: r.Name, IP: md.IPAssignments[r.Name]}
			state.Running, _ = o.hv.DomainRunning(hvctx, r.Name)
			if verbose {
				if overlay, ok := overlays[r.Name]; ok {
					state.Disk, _ = o.hv.DiskHealth(hvctx, overlay)
				}
				if state.IP != "" {
					state.SSHReachable = o.reachable(state.IP)
				}
			}
			report.Guests = append(report.Guests, state)
		}
	}
	sort.Slice(report.Guests, func(i, j int) bool {
		return report.Guests[i].Name < report.Guests[j].Name
	})
	return report, nil
}

// domainForOverlay recovers the domain name from an overlay path
// (<dir>/<domain>.qcow2).
func domainForOverlay(path string) string {
	base := path
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	return strings.TrimSuffix(base, ".qcow2")
}

// List returns every known range, newest first.
func (o *Orchestrator) List() ([]*types.RangeMetadata, error) {
	all, err := o.store.ListMetadata()
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return all, nil
}

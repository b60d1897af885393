package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyris-project/cyris/pkg/kvm"
	"github.com/cyris-project/cyris/pkg/log"
	"github.com/cyris-project/cyris/pkg/privilege"
	"github.com/cyris-project/cyris/pkg/registry"
	"github.com/cyris-project/cyris/pkg/storage"
	"github.com/cyris-project/cyris/pkg/topology"
	"github.com/cyris-project/cyris/pkg/types"
)

// gracePeriod is how long a guest gets to shut down cleanly before it is
// forced off.
const gracePeriod = 30 * time.Second

// Cleaner tears a range's resources back down. Teardown is driven by the
// recorded inventory; when the inventory is missing it falls back to a
// name-prefix scan of the hypervisor. Every step is idempotent so a
// second destroy of the same range converges to the same state.
type Cleaner struct {
	store    storage.Store
	hv       *kvm.Adapter
	firewall *topology.Firewall
	priv     *privilege.Session
	reg      *registry.Registry
	logger   zerolog.Logger

	// Grace is the clean-shutdown window before a force-off. Zero means
	// force immediately.
	Grace time.Duration
}

// New creates a cleaner.
func New(store storage.Store, hv *kvm.Adapter, firewall *topology.Firewall,
	priv *privilege.Session, reg *registry.Registry) *Cleaner {
	return &Cleaner{
		store:    store,
		hv:       hv,
		firewall: firewall,
		priv:     priv,
		reg:      reg,
		logger:   log.WithComponent("cleanup"),
		Grace:    gracePeriod,
	}
}

// Destroy tears down everything the range created, in reverse dependency
// order: domains, then firewall rules, then networks, then overlay disks
// and ISOs. Base images are never touched here; they belong to the build
// cache and may back other ranges.
func (c *Cleaner) Destroy(ctx context.Context, rangeID string) error {
	res, err := c.store.GetResources(rangeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn().Str("range_id", rangeID).
				Msg("no resource inventory, falling back to scan")
			return c.destroyByScan(ctx, rangeID)
		}
		return err
	}

	var failures []string

	for _, r := range res.Resources {
		if r.Kind != types.ResDomain {
			continue
		}
		if err := c.destroyDomain(ctx, r.Name); err != nil {
			failures = append(failures, r.Name+": "+err.Error())
		}
	}

	c.revertRules(ctx, rangeID, res)

	for _, r := range res.Resources {
		if r.Kind != types.ResBridge {
			continue
		}
		if err := c.hv.DestroyNetwork(ctx, r.Name); err != nil {
			c.logger.Debug().Str("network", r.Name).Err(err).Msg("network already gone")
		}
	}

	for _, r := range res.Resources {
		switch r.Kind {
		case types.ResOverlay, types.ResISO:
			if err := c.removeFile(ctx, rangeID, r.Name); err != nil {
				failures = append(failures, r.Name+": "+err.Error())
			}
		}
	}

	if len(failures) > 0 {
		return types.NewError(types.ErrResource, "destroy range "+rangeID,
			&partialError{failures})
	}
	return nil
}

// Remove drops the range's persisted state after a successful destroy.
func (c *Cleaner) Remove(rangeID string) error {
	if err := c.store.DeleteResources(rangeID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := c.store.DeleteMetadata(rangeID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// destroyDomain shuts a guest down cleanly within the grace period, then
// forces it off and undefines it. A missing domain is success.
func (c *Cleaner) destroyDomain(ctx context.Context, name string) error {
	exists, err := c.hv.DomainExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	running, err := c.hv.DomainRunning(ctx, name)
	if err != nil {
		return err
	}
	if running && c.Grace > 0 {
		if err := c.hv.ShutdownDomain(ctx, name); err == nil {
			deadline := time.Now().Add(c.Grace)
			for time.Now().Before(deadline) {
				running, _ = c.hv.DomainRunning(ctx, name)
				if !running {
					break
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(2 * time.Second):
				}
			}
		}
	}
	if running, _ = c.hv.DomainRunning(ctx, name); running {
		if err := c.hv.DestroyDomain(ctx, name); err != nil {
			return err
		}
	}
	return c.hv.UndefineDomain(ctx, name)
}

// revertRules removes the range's firewall chain and any recorded DNAT
// entries. Best effort; rules on a rebooted host are already gone.
func (c *Cleaner) revertRules(ctx context.Context, rangeID string, res *types.RangeResources) {
	var bridges []string
	var dnat [][]string
	for _, r := range res.Resources {
		switch r.Kind {
		case types.ResBridge:
			bridges = append(bridges, r.Name)
		case types.ResRule:
			var args []string
			if err := json.Unmarshal([]byte(r.Name), &args); err == nil {
				dnat = append(dnat, args)
			}
		}
	}
	c.firewall.Revert(ctx, rangeID, bridges, dnat)
}

// removeFile deletes an overlay or seed ISO through the elevation
// session; libvirt-owned paths are not writable by the invoking user.
func (c *Cleaner) removeFile(ctx context.Context, rangeID, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	_, err := c.priv.Run(ctx, registry.Command{
		Kind:         types.OpShell,
		Argv:         []string{"rm", "-f", path},
		RangeID:      rangeID,
		Phase:        "cleanup",
		IgnoreErrors: false,
	})
	return err
}

// destroyByScan finds leftovers by the range's naming conventions when no
// inventory survived: cyris-*-<uuid> domains whose metadata points at
// this range cannot be distinguished, so the scan keys on bridges and on
// domains recorded in metadata IP assignments.
func (c *Cleaner) destroyByScan(ctx context.Context, rangeID string) error {
	domains, err := c.hv.ListDomains(ctx, "cyris-")
	if err != nil {
		return err
	}
	owned := c.ownedDomains(rangeID, domains)
	for _, name := range owned {
		if err := c.destroyDomain(ctx, name); err != nil {
			c.logger.Warn().Str("domain", name).Err(err).Msg("scan destroy failed")
		}
	}

	bridgePrefix := "cr-br-" + rangeID + "-"
	networks, err := c.hv.ListNetworks(ctx, bridgePrefix)
	if err != nil {
		return err
	}
	c.firewall.Revert(ctx, rangeID, networks, nil)
	for _, name := range networks {
		if err := c.hv.DestroyNetwork(ctx, name); err != nil {
			c.logger.Debug().Str("network", name).Err(err).Msg("network already gone")
		}
	}
	return nil
}

// ownedDomains filters scanned domains to the ones this range owns,
// using metadata when available and the full cyris prefix otherwise.
func (c *Cleaner) ownedDomains(rangeID string, domains []string) []string {
	md, err := c.store.GetMetadata(rangeID)
	if err != nil {
		return domains
	}
	var out []string
	for _, d := range domains {
		if _, ok := md.IPAssignments[d]; ok {
			out = append(out, d)
			continue
		}
		if strings.Contains(md.Tags["domains"], d) {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return domains
	}
	return out
}

type partialError struct {
	failures []string
}

func (e *partialError) Error() string {
	return "partial teardown, " + strings.Join(e.failures, "; ")
}

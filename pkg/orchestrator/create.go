package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyris-project/cyris/pkg/events"
	"github.com/cyris-project/cyris/pkg/kvm"
	"github.com/cyris-project/cyris/pkg/parser"
	"github.com/cyris-project/cyris/pkg/topology"
	"github.com/cyris-project/cyris/pkg/types"
)

// readinessProbeInterval spaces the boot probes.
const readinessProbeInterval = 10 * time.Second

// pendingGuest carries what the start and readiness phases need beyond
// the persisted clone record.
type pendingGuest struct {
	cg      *types.ClonedGuest
	guest   *types.Guest
	bridges []string
	seedISO string
}

// cloneJob is one guest instance to provision.
type cloneJob struct {
	guest      *types.Guest
	hostID     string
	instance   int
	entryPoint bool
}

// cloneJobs expands the clone settings into the flat instance list:
// instance_number replicates a host entry wholesale, number replicates a
// guest within it. Instance indexes are global per guest so two host
// entries declaring the same guest never collide on planned addresses;
// only the first instance of an entry-point guest carries the flag.
func cloneJobs(desc *types.RangeDescription, clone types.CloneSetting) ([]cloneJob, error) {
	var jobs []cloneJob
	nextInstance := map[string]int{}
	for _, host := range clone.Hosts {
		replicas := host.InstanceNumber
		if replicas <= 0 {
			replicas = 1
		}
		for r := 0; r < replicas; r++ {
			for _, gc := range host.Guests {
				guest, ok := desc.GuestByID(gc.GuestID)
				if !ok {
					return nil, types.ConfigError("clone_settings", "unknown guest %q", gc.GuestID)
				}
				n := gc.Number
				if n <= 0 {
					n = 1
				}
				for i := 0; i < n; i++ {
					inst := nextInstance[gc.GuestID]
					nextInstance[gc.GuestID]++
					jobs = append(jobs, cloneJob{guest, host.HostID, inst, gc.EntryPoint && inst == 0})
				}
			}
		}
	}
	return jobs, nil
}

// cloneGuests provisions every declared clone instance in two joined
// phases: all overlays and domain definitions first, then all starts.
// No domain boots before every sibling is defined. Each phase is
// bounded-parallel; a failure cancels the remainder and surfaces the
// first error.
func (o *Orchestrator) cloneGuests(ctx context.Context, rangeID, rangeDir string,
	desc *types.RangeDescription, clone types.CloneSetting,
	plans []topology.NetworkPlan, images map[string]string) ([]*types.ClonedGuest, error) {

	hvctx := kvm.WithRange(ctx, rangeID, "guest cloning")

	jobs, err := cloneJobs(desc, clone)
	if err != nil {
		return nil, err
	}

	limit := len(jobs)
	if limit > maxCloneConcurrency {
		limit = maxCloneConcurrency
	}

	if len(jobs) == 0 {
		return nil, nil
	}

	pend := make([]*pendingGuest, len(jobs))
	g, gctx := errgroup.WithContext(hvctx)
	g.SetLimit(limit)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			pg, err := o.defineOne(gctx, rangeID, rangeDir, j.guest, j.hostID, j.instance, j.entryPoint, plans, images)
			if err != nil {
				return err
			}
			pend[i] = pg
			o.publish(events.EventGuestCloned, rangeID, pg.cg.Name)
			o.reporter.Step(fmt.Sprintf("cloned %s", pg.cg.Name))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Join: every domain is defined; now start them.
	g, gctx = errgroup.WithContext(hvctx)
	g.SetLimit(limit)
	for _, pg := range pend {
		pg := pg
		g.Go(func() error {
			return o.startOne(gctx, rangeID, pg)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	guests := make([]*types.ClonedGuest, len(pend))
	for i, pg := range pend {
		guests[i] = pg.cg
	}
	return guests, nil
}

// defineOne creates one guest instance up to, but not including, boot:
// overlay disk, optional cloud-init seed, and for classic guests the
// domain definition. kvm-auto definition happens at import time.
func (o *Orchestrator) defineOne(ctx context.Context, rangeID, rangeDir string,
	guest *types.Guest, hostID string, instance int, entryPoint bool,
	plans []topology.NetworkPlan, images map[string]string) (*pendingGuest, error) {

	name := types.CloneName(guest.ID, newCloneSuffix())
	backing := images[guest.ID]
	overlay := filepath.Join(rangeDir, "disks", name+".qcow2")

	if err := o.hv.CloneDisk(ctx, backing, overlay, guest.DiskSize); err != nil {
		return nil, err
	}
	o.store.AppendResource(rangeID, types.Resource{
		Kind: types.ResOverlay, Name: overlay, Host: hostID, CreatedAt: time.Now(),
	})

	bridges, ips := memberNetworks(guest.ID, instance, plans)

	cg := &types.ClonedGuest{
		Name:       name,
		GuestID:    guest.ID,
		RangeID:    rangeID,
		HostID:     hostID,
		Disk:       overlay,
		BaseImage:  backing,
		EntryPoint: entryPoint,
		OSType:     guestOSType(guest),
		BaseVMType: guest.BaseVMType,
	}
	if len(ips) > 0 {
		cg.IP = ips[0]
	}
	pg := &pendingGuest{cg: cg, guest: guest, bridges: bridges}

	switch guest.BaseVMType {
	case types.BaseVMKVMAuto:
		seedISO, err := o.writeSeedISO(ctx, rangeID, rangeDir, name, cg.IP)
		if err != nil {
			return nil, err
		}
		pg.seedISO = seedISO
	default:
		xml, err := kvm.RenderDomainXML(kvm.CloneSpec{
			Name:      name,
			MemoryMiB: guest.MemoryMiB,
			VCPUs:     guest.VCPUs,
			Overlay:   overlay,
			Backing:   backing,
			Bridges:   bridges,
		})
		if err != nil {
			return nil, err
		}
		if _, err := o.hv.DefineDomain(ctx, xml); err != nil {
			return nil, err
		}
		o.store.AppendResource(rangeID, types.Resource{
			Kind: types.ResDomain, Name: name, Host: hostID, CreatedAt: time.Now(),
		})
	}
	return pg, nil
}

// startOne boots a prepared guest. kvm-auto guests are defined and
// started in one step by the installer's import.
func (o *Orchestrator) startOne(ctx context.Context, rangeID string, pg *pendingGuest) error {
	switch pg.cg.BaseVMType {
	case types.BaseVMKVMAuto:
		if err := o.hv.Import(ctx, kvm.ImportSpec{
			Name:     pg.cg.Name,
			Guest:    pg.guest,
			Overlay:  pg.cg.Disk,
			Networks: pg.bridges,
			ISOPath:  pg.seedISO,
		}); err != nil {
			return err
		}
		o.store.AppendResource(rangeID, types.Resource{
			Kind: types.ResDomain, Name: pg.cg.Name, Host: pg.cg.HostID, CreatedAt: time.Now(),
		})
		return nil
	default:
		return o.hv.StartDomain(ctx, pg.cg.Name)
	}
}

// memberNetworks returns the bridges and planned IPs of one instance of a
// guest, in stable network order.
func memberNetworks(guestID string, instance int, plans []topology.NetworkPlan) (bridges, ips []string) {
	for _, plan := range plans {
		for _, a := range plan.Assignments {
			if a.GuestID == guestID && a.Instance == instance {
				bridges = append(bridges, plan.Bridge)
				ips = append(ips, a.IP)
			}
		}
	}
	return bridges, ips
}

func guestOSType(guest *types.Guest) types.OSType {
	if guest.BaseVMOSType != "" {
		return guest.BaseVMOSType
	}
	return parser.DeriveOSType(guest.ImageName)
}

// writeSeedISO builds a cloud-init NoCloud seed so an imported image
// boots with a known address and SSH access. Returns "" when no static
// address is planned.
func (o *Orchestrator) writeSeedISO(ctx context.Context, rangeID, rangeDir, name, ip string) (string, error) {
	if ip == "" {
		return "", nil
	}
	seedDir := filepath.Join(rangeDir, "seeds", name)
	if err := os.MkdirAll(seedDir, 0755); err != nil {
		return "", err
	}
	metaData := fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", name, name)
	userData := "#cloud-config\nssh_pwauth: true\ndisable_root: false\n"
	if err := os.WriteFile(filepath.Join(seedDir, "meta-data"), []byte(metaData), 0644); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(seedDir, "user-data"), []byte(userData), 0644); err != nil {
		return "", err
	}

	isoPath := filepath.Join(rangeDir, "seeds", name+".iso")
	if err := o.hv.BuildSeedISO(ctx, isoPath, seedDir); err != nil {
		return "", err
	}
	o.store.AppendResource(rangeID, types.Resource{
		Kind: types.ResISO, Name: isoPath, CreatedAt: time.Now(),
	})
	return isoPath, nil
}

// waitReady probes every guest until it answers on SSH or the discovery
// window closes. IPs are resolved with the resolver's method ladder and
// recorded in metadata as they land. Guests still unreachable at the
// deadline are returned, sorted; readiness failure is not fatal to the
// range, their tasks are skipped instead.
func (o *Orchestrator) waitReady(ctx context.Context, md *types.RangeMetadata, guests []*types.ClonedGuest) ([]string, error) {
	deadline := time.Now().Add(o.cfg.IPDiscoveryTimeout)
	pending := map[string]*types.ClonedGuest{}
	for _, g := range guests {
		pending[g.Name] = g
	}

	for len(pending) > 0 && time.Now().Before(deadline) {
		for name, g := range pending {
			if g.IP == "" {
				res, err := o.resolver.Resolve(ctx, md.RangeID, name)
				if err != nil {
					continue
				}
				g.IP = res.IP
			}
			if !o.reachable(g.IP) {
				continue
			}
			md.IPAssignments[name] = g.IP
			o.publish(events.EventGuestReady, md.RangeID, name)
			o.reporter.Step(fmt.Sprintf("%s ready at %s", name, g.IP))
			delete(pending, name)
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.probeInterval):
		}
	}
	o.store.SaveMetadata(md)

	unreachable := make([]string, 0, len(pending))
	for name := range pending {
		unreachable = append(unreachable, name)
		o.publish(events.EventGuestUnreachable, md.RangeID,
			fmt.Sprintf("%s never became reachable, its tasks will be skipped", name))
	}
	sort.Strings(unreachable)
	return unreachable, nil
}

// sshReachable probes TCP port 22.
func sshReachable(ip string) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(ip, "22"), 3*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// applyPolicy installs the forwarding chain and the entry-point DNAT.
func (o *Orchestrator) applyPolicy(ctx context.Context, rangeID string,
	clone types.CloneSetting, plans []topology.NetworkPlan, guests []*types.ClonedGuest) error {

	rs, err := topology.Synthesize(rangeID, allTopologies(clone), plans)
	if err != nil {
		return err
	}
	// Two rules is the bare chain (replies + drop); only install when the
	// description actually declared policy.
	if len(rs.Rules) > 2 {
		if err := o.firewall.Apply(ctx, rangeID, rs); err != nil {
			return err
		}
	}

	port := 60000
	for _, g := range guests {
		if !g.EntryPoint || g.IP == "" {
			continue
		}
		rule, err := o.firewall.EntryPointDNAT(ctx, rangeID, g.IP, port)
		if err != nil {
			return err
		}
		encoded, _ := json.Marshal(rule)
		o.store.AppendResource(rangeID, types.Resource{
			Kind: types.ResRule, Name: string(encoded), CreatedAt: time.Now(),
		})
		o.reporter.Step(fmt.Sprintf("entry point %s exposed on host port %d", g.Name, port))
		port++
	}
	return nil
}

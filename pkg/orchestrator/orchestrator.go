package orchestrator

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cyris-project/cyris/pkg/builder"
	"github.com/cyris-project/cyris/pkg/cleanup"
	"github.com/cyris-project/cyris/pkg/config"
	"github.com/cyris-project/cyris/pkg/events"
	"github.com/cyris-project/cyris/pkg/ipresolver"
	"github.com/cyris-project/cyris/pkg/kvm"
	"github.com/cyris-project/cyris/pkg/log"
	"github.com/cyris-project/cyris/pkg/metrics"
	"github.com/cyris-project/cyris/pkg/privilege"
	"github.com/cyris-project/cyris/pkg/progress"
	"github.com/cyris-project/cyris/pkg/registry"
	"github.com/cyris-project/cyris/pkg/sshexec"
	"github.com/cyris-project/cyris/pkg/storage"
	"github.com/cyris-project/cyris/pkg/tasks"
	"github.com/cyris-project/cyris/pkg/topology"
	"github.com/cyris-project/cyris/pkg/types"
)

// maxCloneConcurrency caps parallel guest provisioning per range.
const maxCloneConcurrency = 8

// ErrPartial reports a range that reached active state although some of
// its tasks failed or were skipped. Callers map it to a distinct exit
// code; the range itself is usable.
var ErrPartial = errors.New("range active with failed or skipped tasks")

// Orchestrator drives the range lifecycle end to end: plan, build,
// clone, network, customize, and the reverse of all of that.
type Orchestrator struct {
	cfg      *config.Config
	store    storage.Store
	hv       *kvm.Adapter
	priv     *privilege.Session
	builder  *builder.Builder
	planner  *topology.Planner
	firewall *topology.Firewall
	resolver *ipresolver.Resolver
	runner   *tasks.Runner
	cleaner  *cleanup.Cleaner
	ssh      *sshexec.Executor
	reg      *registry.Registry
	reporter progress.Reporter
	broker   *events.Broker
	logger   zerolog.Logger

	// Readiness probing knobs, defaulted in New.
	probeInterval time.Duration
	reachable     func(ip string) bool
}

// Deps bundles the constructor's collaborators.
type Deps struct {
	Config   *config.Config
	Store    storage.Store
	HV       *kvm.Adapter
	Priv     *privilege.Session
	Builder  *builder.Builder
	Firewall *topology.Firewall
	Resolver *ipresolver.Resolver
	Runner   *tasks.Runner
	Cleaner  *cleanup.Cleaner
	SSH      *sshexec.Executor
	Registry *registry.Registry
	Reporter progress.Reporter
	Broker   *events.Broker
}

// New wires an orchestrator from its dependencies.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		cfg:      d.Config,
		store:    d.Store,
		hv:       d.HV,
		priv:     d.Priv,
		builder:  d.Builder,
		planner:  topology.NewPlanner(),
		firewall: d.Firewall,
		resolver: d.Resolver,
		runner:   d.Runner,
		cleaner:  d.Cleaner,
		ssh:      d.SSH,
		reg:      d.Registry,
		reporter: d.Reporter,
		broker:   d.Broker,
		logger:   log.WithComponent("orchestrator"),

		probeInterval: readinessProbeInterval,
		reachable:     sshReachable,
	}
}

// RangeDir is where a range's logs, disks and seed ISOs live.
func (o *Orchestrator) RangeDir(rangeID string) string {
	return filepath.Join(o.cfg.CyberRangeDir, rangeID)
}

func (o *Orchestrator) publish(t events.EventType, rangeID, msg string) {
	if o.broker != nil {
		o.broker.Publish(&events.Event{
			Type:      t,
			Timestamp: time.Now(),
			RangeID:   rangeID,
			Message:   msg,
		})
	}
}

// setStatus persists a status transition, enforcing the lifecycle graph.
func (o *Orchestrator) setStatus(md *types.RangeMetadata, next types.RangeStatus) error {
	if !md.Status.CanTransition(next) {
		return types.NewError(types.ErrResource, "status transition",
			fmt.Errorf("illegal transition %s -> %s for range %s", md.Status, next, md.RangeID))
	}
	metrics.RangesTotal.WithLabelValues(string(md.Status)).Dec()
	metrics.RangesTotal.WithLabelValues(string(next)).Inc()
	md.Status = next
	md.LastModified = time.Now()
	return o.store.SaveMetadata(md)
}

// Create instantiates every range the description declares, one per
// clone setting. A hard failure stops the remaining ranges; ranges that
// reach active state with failed or skipped tasks surface as ErrPartial
// once all clone settings have been processed.
func (o *Orchestrator) Create(ctx context.Context, desc *types.RangeDescription, descPath string) error {
	if len(desc.Clones) == 0 {
		return types.ConfigError("clone_settings", "description declares no range")
	}
	var partial error
	for _, clone := range desc.Clones {
		err := o.createRange(ctx, desc, clone, descPath)
		switch {
		case err == nil:
		case errors.Is(err, ErrPartial):
			partial = err
		default:
			return err
		}
	}
	return partial
}

// createRange instantiates one range. The workflow is staged; any failed
// stage rolls back everything created so far and leaves the range in
// error state with its inventory intact for inspection. Task failures
// marked non-fatal and guests that never answer their readiness probe do
// not fail the range; they make the result partial.
func (o *Orchestrator) createRange(ctx context.Context, desc *types.RangeDescription, clone types.CloneSetting, descPath string) (err error) {
	start := time.Now()
	rangeID := clone.RangeID

	if _, err := o.store.GetMetadata(rangeID); err == nil {
		return types.NewError(types.ErrResource, "create range",
			fmt.Errorf("range %s already exists", rangeID))
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	rangeDir := o.RangeDir(rangeID)
	if err := os.MkdirAll(filepath.Join(rangeDir, "disks"), 0755); err != nil {
		return types.NewError(types.ErrEnvironment, "create range dir", err)
	}
	if err := o.reg.OpenRangeLog(rangeID, rangeDir); err != nil {
		return err
	}
	defer o.reg.CloseRangeLog(rangeID)

	md := &types.RangeMetadata{
		RangeID:       rangeID,
		Name:          rangeID,
		Status:        types.StatusCreating,
		CreatedAt:     start,
		LastModified:  start,
		Tags:          map[string]string{},
		IPAssignments: map[string]string{},
		ConfigPath:    descPath,
		LogsPath:      filepath.Join(rangeDir, "creation.log"),
	}
	if err := o.store.SaveMetadata(md); err != nil {
		return err
	}
	metrics.RangesTotal.WithLabelValues(string(types.StatusCreating)).Inc()
	o.store.SaveResources(&types.RangeResources{RangeID: rangeID})
	o.publish(events.EventRangeCreating, rangeID, "range creation started")

	// Finalizer: on hard failure roll back and park the range in error
	// state; in every case record the creation result in creation.log,
	// the status sidecar, and on the terminal. A partial result counts
	// as success here, the range stays up.
	defer func() {
		success := err == nil || errors.Is(err, ErrPartial)
		if !success {
			o.reporter.ReportError(err.Error(), md.LogsPath)
			o.publish(events.EventRollbackStarted, rangeID, err.Error())
			if rbErr := o.cleaner.Destroy(context.Background(), rangeID); rbErr != nil {
				o.logger.Error().Str("range_id", rangeID).Err(rbErr).Msg("rollback incomplete")
			}
			md.Status = types.StatusError
			md.LastModified = time.Now()
			o.store.SaveMetadata(md)
			o.publish(events.EventRangeError, rangeID, err.Error())
		}
		registry.WriteStatusFile(rangeDir, success)
		result := "SUCCESS"
		if !success {
			result = "FAILURE"
		}
		o.reg.Logf(rangeID, "Creation result: %s (took %.1fs)", result, time.Since(start).Seconds())
		o.reporter.Finish(success, time.Since(start))
	}()

	o.reporter.StartPhase("checking environment")
	if err = o.priv.Acquire(ctx); err != nil {
		return err
	}

	o.reporter.StartPhase("planning topology")
	counts := cloneCounts(clone)
	plans, err := o.planner.Plan(rangeID, allTopologies(clone), counts)
	if err != nil {
		return err
	}
	for key, ip := range topology.IPAssignments(plans) {
		md.IPAssignments[key] = ip
	}

	o.reporter.StartPhase("creating networks")
	hvctx := kvm.WithRange(ctx, rangeID, "network setup")
	var bridgeNames []string
	for _, plan := range plans {
		if err = o.hv.CreateNetwork(hvctx, plan.Bridge, plan.Bridge, plan.Subnet); err != nil {
			return err
		}
		bridgeNames = append(bridgeNames, plan.Bridge)
		o.store.AppendResource(rangeID, types.Resource{
			Kind: types.ResBridge, Name: plan.Bridge, CreatedAt: time.Now(),
		})
		o.reporter.Step(fmt.Sprintf("network %s (%s)", plan.Bridge, plan.Subnet))
	}
	md.Tags["bridges"] = strings.Join(bridgeNames, ",")
	o.store.SaveMetadata(md)

	o.reporter.StartPhase("preparing base images")
	images, err := o.prepareImages(ctx, rangeID, desc, clone)
	if err != nil {
		return err
	}

	o.reporter.StartPhase("cloning guests")
	guests, err := o.cloneGuests(ctx, rangeID, rangeDir, desc, clone, plans, images)
	if err != nil {
		return err
	}
	md.Tags["domains"] = joinNames(guests)
	o.store.SaveMetadata(md)

	o.reporter.StartPhase("waiting for guests")
	unreachable, err := o.waitReady(ctx, md, guests)
	if err != nil {
		return err
	}

	o.reporter.StartPhase("applying forwarding rules")
	if err = o.applyPolicy(ctx, rangeID, clone, plans, guests); err != nil {
		return err
	}

	o.reporter.StartPhase("running guest tasks")
	if err = o.runTasks(ctx, rangeID, desc, guests, unreachable); err != nil {
		return err
	}

	// Success is the ledger's verdict, not the absence of a Go error.
	if !o.reg.Success(rangeID) {
		err = types.NewError(types.ErrTask, "range creation",
			fmt.Errorf("%d operation(s) failed, see %s", o.reg.Failures(rangeID), md.LogsPath))
		return err
	}

	if err = o.setStatus(md, types.StatusActive); err != nil {
		return err
	}
	o.publish(events.EventRangeActive, rangeID, "range is active")
	if n := o.reg.IgnoredFailures(rangeID); n > 0 || len(unreachable) > 0 {
		err = fmt.Errorf("%w: range %s, %d failed task(s), %d unreachable guest(s)",
			ErrPartial, rangeID, n, len(unreachable))
		return err
	}
	return nil
}

// prepareImages resolves each referenced guest template to a backing
// image path, building kvm-auto images on demand.
func (o *Orchestrator) prepareImages(ctx context.Context, rangeID string, desc *types.RangeDescription, clone types.CloneSetting) (map[string]string, error) {
	images := map[string]string{}
	for _, guestID := range referencedGuests(clone) {
		guest, ok := desc.GuestByID(guestID)
		if !ok {
			return nil, types.ConfigError("clone_settings", "unknown guest %q", guestID)
		}
		switch guest.BaseVMType {
		case types.BaseVMKVMAuto:
			if err := o.builder.ValidateImageName(ctx, guest.ImageName); err != nil {
				return nil, err
			}
			key := builder.BuildKey{
				ImageName: guest.ImageName,
				DiskSize:  guest.DiskSize,
				Tasks:     buildTimeTasks(guest.Tasks),
			}
			path, err := o.builder.Build(ctx, rangeID, key)
			if err != nil {
				return nil, err
			}
			o.publish(events.EventImageBuilt, rangeID, path)
			images[guestID] = path
		case types.BaseVMKVM:
			path, err := baseDiskFromDomainFile(guest.BaseVMConfigFile)
			if err != nil {
				return nil, err
			}
			images[guestID] = path
		default:
			return nil, types.ConfigError("basevm_type", "no provider for %q", guest.BaseVMType)
		}
		o.store.AppendResource(rangeID, types.Resource{
			Kind: types.ResImage, Name: images[guestID], CreatedAt: time.Now(),
		})
	}
	return images, nil
}

// runTasks executes each guest's post-boot tasks over SSH. Guests run
// in parallel, bounded like cloning; tasks within one guest stay
// ordered. Guests named in unreachable get their tasks recorded as
// skipped instead of executed. Only failures of tasks declared fatal
// produce non-ignored ledger records, so a non-fatal failure leaves the
// range result intact.
func (o *Orchestrator) runTasks(ctx context.Context, rangeID string, desc *types.RangeDescription, guests []*types.ClonedGuest, unreachable []string) error {
	skip := map[string]bool{}
	for _, name := range unreachable {
		skip[name] = true
	}

	sshctx := sshexec.WithRange(ctx, rangeID, "guest tasks")
	limit := len(guests)
	if limit > maxCloneConcurrency {
		limit = maxCloneConcurrency
	}
	if limit == 0 {
		return nil
	}
	eg, egctx := errgroup.WithContext(sshctx)
	eg.SetLimit(limit)
	for _, g := range guests {
		g := g
		guest, _ := desc.GuestByID(g.GuestID)
		todo := postBootTasks(guest)
		if len(todo) == 0 {
			continue
		}
		fatal := map[string]bool{}
		for _, t := range todo {
			fatal[t.ID] = t.Fatal
		}

		if skip[g.Name] {
			for _, t := range todo {
				o.reg.Append(types.OperationRecord{
					RangeID:    rangeID,
					Kind:       types.OpSSH,
					Command:    fmt.Sprintf("task %s on %s skipped, guest unreachable", t.ID, g.Name),
					Phase:      "guest tasks",
					ExitCode:   1,
					Ignored:    true,
					StderrTail: "guest never became reachable",
				})
			}
			continue
		}

		eg.Go(func() error {
			o.publish(events.EventTaskStarted, rangeID, g.Name)
			results, err := o.runner.RunAll(egctx, o.guestTarget(g), g.Name, todo)
			for _, res := range results {
				rec := types.OperationRecord{
					RangeID: rangeID,
					Kind:    types.OpSSH,
					Command: fmt.Sprintf("task %s on %s", res.TaskID, g.Name),
					Phase:   "guest tasks",
				}
				if !res.Success && !res.Skipped {
					rec.ExitCode = 1
					rec.Ignored = !fatal[res.TaskID]
					rec.StderrTail = res.Error
					o.publish(events.EventTaskFailed, rangeID, res.TaskID)
				} else {
					o.publish(events.EventTaskCompleted, rangeID, res.TaskID)
				}
				o.reg.Append(rec)
			}
			if err != nil {
				return types.NewError(types.ErrTask, "guest "+g.Name, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// guestTarget builds the SSH target for a cloned guest.
func (o *Orchestrator) guestTarget(g *types.ClonedGuest) sshexec.Target {
	return sshexec.Target{
		Host: g.IP,
		User: "root",
	}
}

func cloneCounts(clone types.CloneSetting) map[string]int {
	counts := map[string]int{}
	for _, host := range clone.Hosts {
		replicas := host.InstanceNumber
		if replicas <= 0 {
			replicas = 1
		}
		for _, g := range host.Guests {
			n := g.Number
			if n <= 0 {
				n = 1
			}
			counts[g.GuestID] += n * replicas
		}
	}
	return counts
}

func allTopologies(clone types.CloneSetting) []types.Topology {
	var out []types.Topology
	for _, host := range clone.Hosts {
		out = append(out, host.Topology...)
	}
	return out
}

func referencedGuests(clone types.CloneSetting) []string {
	seen := map[string]bool{}
	var out []string
	for _, host := range clone.Hosts {
		for _, g := range host.Guests {
			if !seen[g.GuestID] {
				seen[g.GuestID] = true
				out = append(out, g.GuestID)
			}
		}
	}
	return out
}

func buildTimeTasks(all []types.Task) []types.Task {
	var out []types.Task
	for _, t := range all {
		if types.BuildTimeTypes[t.Type] {
			out = append(out, t)
		}
	}
	return out
}

// postBootTasks are the tasks that run over SSH after boot: everything
// that is not build-time, plus build-time tasks flagged also_runtime.
func postBootTasks(guest *types.Guest) []types.Task {
	if guest == nil {
		return nil
	}
	var out []types.Task
	for _, t := range guest.Tasks {
		if !types.BuildTimeTypes[t.Type] || t.AlsoRuntime || guest.BaseVMType != types.BaseVMKVMAuto {
			out = append(out, t)
		}
	}
	return out
}

func joinNames(guests []*types.ClonedGuest) string {
	names := make([]string, len(guests))
	for i, g := range guests {
		names[i] = g.Name
	}
	return strings.Join(names, ",")
}

// newCloneSuffix returns the 12-hex unique suffix for clone names.
func newCloneSuffix() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// baseDiskFromDomainFile extracts the primary disk path from a base VM's
// libvirt definition. The first file-backed <disk device="disk"> wins;
// cdroms and network disks are skipped.
func baseDiskFromDomainFile(path string) (string, error) {
	if path == "" {
		return "", types.ConfigError("basevm_config_file", "required for basevm_type kvm")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", types.ConfigError("basevm_config_file", "cannot read %s: %v", path, err)
	}
	var doc struct {
		Devices struct {
			Disks []struct {
				Device string `xml:"device,attr"`
				Source struct {
					File string `xml:"file,attr"`
				} `xml:"source"`
			} `xml:"disk"`
		} `xml:"devices"`
	}
	if err := xml.Unmarshal(data, &doc); err != nil {
		return "", types.ConfigError("basevm_config_file", "invalid domain XML %s: %v", path, err)
	}
	for _, d := range doc.Devices.Disks {
		if d.Device != "" && d.Device != "disk" {
			continue
		}
		if d.Source.File != "" {
			return d.Source.File, nil
		}
	}
	return "", types.ConfigError("basevm_config_file", "no file-backed disk in %s", path)
}

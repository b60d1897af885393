package ipresolver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyris-project/cyris/pkg/log"
	"github.com/cyris-project/cyris/pkg/metrics"
	"github.com/cyris-project/cyris/pkg/registry"
	"github.com/cyris-project/cyris/pkg/storage"
	"github.com/cyris-project/cyris/pkg/types"
)

// Method identifies one resolution strategy.
type Method string

const (
	MethodTopology   Method = "topology_metadata"
	MethodLease      Method = "hypervisor_lease"
	MethodCLI        Method = "hypervisor_cli"
	MethodARP        Method = "arp_scan"
	MethodDHCPLeases Method = "dhcp_leases"
	MethodBridge     Method = "bridge_scan"
)

// Result is a resolved address with its provenance and confidence.
type Result struct {
	IP         string
	Method     Method
	Confidence float64
}

// Leaser is the hypervisor surface the resolver needs.
type Leaser interface {
	LeaseIPs(ctx context.Context, domain string) (map[string]string, error)
	DomainMACs(ctx context.Context, domain string) ([]string, error)
}

// Resolver finds the IP of a cloned guest by trying an ordered list of
// methods, highest confidence first, and caching hits briefly.
type Resolver struct {
	store  storage.Store
	hv     Leaser
	reg    *registry.Registry
	ttl    time.Duration
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedResult

	// File seams for the passive methods.
	arpPath    string
	leaseGlobs []string
}

type cachedResult struct {
	res     Result
	expires time.Time
}

// New creates a resolver. ttl <= 0 disables caching.
func New(store storage.Store, hv Leaser, reg *registry.Registry, ttl time.Duration) *Resolver {
	return &Resolver{
		store:   store,
		hv:      hv,
		reg:     reg,
		ttl:     ttl,
		logger:  log.WithComponent("ipresolver"),
		cache:   map[string]cachedResult{},
		arpPath: "/proc/net/arp",
		leaseGlobs: []string{
			"/var/lib/libvirt/dnsmasq/*.leases",
			"/var/lib/misc/dnsmasq.leases",
		},
	}
}

// cloneNameRe captures the guest_id out of cyris-<guest_id>-<uuid12>.
var cloneNameRe = regexp.MustCompile(`^cyris-(.+)-[0-9a-f]{12}$`)

// GuestIDFromCloneName recovers the declared guest id from a clone VM
// name. Guest ids may themselves contain hyphens.
func GuestIDFromCloneName(vmName string) (string, bool) {
	m := cloneNameRe.FindStringSubmatch(vmName)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// methodError is one failed attempt inside a resolution error.
type methodError struct {
	Method Method
	Err    error
}

// ResolutionError reports every method tried and why each failed.
type ResolutionError struct {
	VMName   string
	Attempts []methodError
}

func (e *ResolutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no IP found for %s after %d methods:", e.VMName, len(e.Attempts))
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "\n  %s: %v", a.Method, a.Err)
	}
	return b.String()
}

// Resolve tries each method in priority order and returns the first hit.
func (r *Resolver) Resolve(ctx context.Context, rangeID, vmName string) (*Result, error) {
	if res, ok := r.cached(vmName); ok {
		return &res, nil
	}

	attempts := []struct {
		method     Method
		confidence float64
		fn         func(context.Context, string, string) (string, error)
	}{
		{MethodTopology, 1.0, r.fromMetadata},
		{MethodLease, 0.9, r.fromLease},
		{MethodCLI, 0.8, r.fromCLI},
		{MethodARP, 0.6, r.fromARP},
		{MethodDHCPLeases, 0.5, r.fromLeaseFiles},
		{MethodBridge, 0.3, r.fromBridge},
	}

	resErr := &ResolutionError{VMName: vmName}
	for _, a := range attempts {
		ip, err := a.fn(ctx, rangeID, vmName)
		if err != nil {
			metrics.IPResolutionsTotal.WithLabelValues(string(a.method), "failure").Inc()
			resErr.Attempts = append(resErr.Attempts, methodError{a.method, err})
			continue
		}
		metrics.IPResolutionsTotal.WithLabelValues(string(a.method), "success").Inc()
		res := Result{IP: ip, Method: a.method, Confidence: a.confidence}
		r.remember(vmName, res)
		r.logger.Debug().Str("vm", vmName).Str("ip", ip).
			Str("method", string(a.method)).Msg("resolved guest ip")
		return &res, nil
	}
	return nil, types.NewError(types.ErrNetwork, "resolve "+vmName, resErr)
}

// Invalidate drops the cached result for a VM, e.g. after a reboot.
func (r *Resolver) Invalidate(vmName string) {
	r.mu.Lock()
	delete(r.cache, vmName)
	r.mu.Unlock()
}

func (r *Resolver) cached(vmName string) (Result, bool) {
	if r.ttl <= 0 {
		return Result{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cache[vmName]
	if !ok || time.Now().After(c.expires) {
		delete(r.cache, vmName)
		return Result{}, false
	}
	return c.res, true
}

func (r *Resolver) remember(vmName string, res Result) {
	if r.ttl <= 0 {
		return
	}
	r.mu.Lock()
	r.cache[vmName] = cachedResult{res: res, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()
}

// fromMetadata consults the range's recorded IP assignments. Authoritative
// when the range declared a topology.
func (r *Resolver) fromMetadata(_ context.Context, rangeID, vmName string) (string, error) {
	md, err := r.store.GetMetadata(rangeID)
	if err != nil {
		return "", err
	}
	if ip, ok := md.IPAssignments[vmName]; ok && ip != "" {
		return ip, nil
	}
	// Fall back to the guest id keyed entries written at plan time.
	if guestID, ok := GuestIDFromCloneName(vmName); ok {
		for key, ip := range md.IPAssignments {
			if strings.HasPrefix(key, guestID+".") || strings.HasPrefix(key, guestID+"-") {
				return ip, nil
			}
		}
	}
	return "", fmt.Errorf("no assignment recorded for %s", vmName)
}

func (r *Resolver) fromLease(ctx context.Context, _, vmName string) (string, error) {
	leases, err := r.hv.LeaseIPs(ctx, vmName)
	if err != nil {
		return "", err
	}
	for _, ip := range leases {
		return ip, nil
	}
	return "", fmt.Errorf("no lease reported for %s", vmName)
}

var domifaddrRe = regexp.MustCompile(`\bipv4\s+(\d+\.\d+\.\d+\.\d+)/\d+`)

// fromCLI shells out to virsh for installs where the API lease source is
// unavailable but the CLI's agent query works.
func (r *Resolver) fromCLI(ctx context.Context, rangeID, vmName string) (string, error) {
	out, err := r.reg.Run(ctx, registry.Command{
		Kind:         types.OpHypervisor,
		Argv:         []string{"virsh", "domifaddr", vmName},
		RangeID:      rangeID,
		Phase:        "ip resolution",
		IgnoreErrors: true,
	})
	if err != nil {
		return "", err
	}
	if m := domifaddrRe.FindStringSubmatch(out); m != nil {
		return m[1], nil
	}
	return "", fmt.Errorf("virsh domifaddr returned no address")
}

// fromARP matches the domain's MACs against the kernel ARP table.
func (r *Resolver) fromARP(ctx context.Context, _, vmName string) (string, error) {
	macs, err := r.hv.DomainMACs(ctx, vmName)
	if err != nil {
		return "", err
	}
	want := map[string]bool{}
	for _, m := range macs {
		want[strings.ToLower(m)] = true
	}

	f, err := os.Open(r.arpPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Scan() // header
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		if want[strings.ToLower(fields[3])] {
			return fields[0], nil
		}
	}
	return "", fmt.Errorf("no ARP entry for MACs %v", macs)
}

// fromLeaseFiles scans dnsmasq lease files for the domain's MACs.
// Lease line format: <expiry> <mac> <ip> <hostname> <client-id>.
func (r *Resolver) fromLeaseFiles(ctx context.Context, _, vmName string) (string, error) {
	macs, err := r.hv.DomainMACs(ctx, vmName)
	if err != nil {
		return "", err
	}
	want := map[string]bool{}
	for _, m := range macs {
		want[strings.ToLower(m)] = true
	}

	var paths []string
	for _, g := range r.leaseGlobs {
		matches, _ := filepath.Glob(g)
		paths = append(paths, matches...)
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			fields := strings.Fields(sc.Text())
			if len(fields) >= 3 && want[strings.ToLower(fields[1])] {
				f.Close()
				return fields[2], nil
			}
		}
		f.Close()
	}
	return "", fmt.Errorf("no dnsmasq lease for MACs %v", macs)
}

// fromBridge is the last resort: walk the neighbor table entries seen on
// the range's bridges and return the sole non-gateway address, if there
// is exactly one. Ambiguity is a failure, not a guess.
func (r *Resolver) fromBridge(ctx context.Context, rangeID, vmName string) (string, error) {
	md, err := r.store.GetMetadata(rangeID)
	if err != nil {
		return "", err
	}
	bridges := map[string]bool{}
	for _, b := range strings.Split(md.Tags["bridges"], ",") {
		if b != "" {
			bridges[b] = true
		}
	}
	if len(bridges) == 0 {
		return "", fmt.Errorf("range has no recorded bridges")
	}

	f, err := os.Open(r.arpPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var candidates []string
	sc := bufio.NewScanner(f)
	sc.Scan() // header
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		// IP address, HW type, Flags, HW address, Mask, Device.
		if len(fields) < 6 || !bridges[fields[5]] {
			continue
		}
		if ip := net.ParseIP(fields[0]); ip == nil || strings.HasSuffix(fields[0], ".1") {
			continue
		}
		candidates = append(candidates, fields[0])
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	return "", fmt.Errorf("bridge scan found %d candidates, need exactly 1", len(candidates))
}

package kvm

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/rs/zerolog"

	"github.com/cyris-project/cyris/pkg/log"
	"github.com/cyris-project/cyris/pkg/registry"
	"github.com/cyris-project/cyris/pkg/types"
)

// Adapter drives a libvirt host. All domain and network mutations are
// recorded in the operation ledger.
type Adapter struct {
	uri    string
	pool   *Pool
	reg    *registry.Registry
	logger zerolog.Logger
}

// NewAdapter creates a KVM adapter for the URI and registers it as the
// provider for kvm guests.
func NewAdapter(uri string, pool *Pool, reg *registry.Registry) *Adapter {
	a := &Adapter{
		uri:    uri,
		pool:   pool,
		reg:    reg,
		logger: log.WithComponent("kvm"),
	}
	RegisterProvider(types.BaseVMKVM, a)
	return a
}

// record wraps a libvirt API mutation with ledger bookkeeping.
func (a *Adapter) record(ctx context.Context, op string, fn func(*Conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := a.pool.Acquire(a.uri)
	if err != nil {
		return err
	}
	defer conn.Release()

	start := time.Now()
	err = fn(conn)
	exit := 0
	errText := ""
	if err != nil {
		exit = 1
		errText = err.Error()
	}
	a.reg.RecordResult(types.OpHypervisor, rangeIDFrom(ctx), "", phaseFrom(ctx),
		op, exit, time.Since(start), "", errText, false)

	if err != nil {
		return types.NewError(types.ErrHypervisor, op, err)
	}
	return nil
}

func (a *Adapter) DefineDomain(ctx context.Context, xml string) (string, error) {
	var name string
	err := a.record(ctx, "define domain", func(c *Conn) error {
		dom, err := c.DomainDefineXML(xml)
		if err != nil {
			return err
		}
		name = dom.Name
		return nil
	})
	return name, err
}

func (a *Adapter) StartDomain(ctx context.Context, name string) error {
	return a.record(ctx, "start domain "+name, func(c *Conn) error {
		dom, err := c.DomainLookupByName(name)
		if err != nil {
			return err
		}
		return c.DomainCreate(dom)
	})
}

func (a *Adapter) ShutdownDomain(ctx context.Context, name string) error {
	return a.record(ctx, "shutdown domain "+name, func(c *Conn) error {
		dom, err := c.DomainLookupByName(name)
		if err != nil {
			return err
		}
		return c.DomainShutdown(dom)
	})
}

func (a *Adapter) DestroyDomain(ctx context.Context, name string) error {
	return a.record(ctx, "destroy domain "+name, func(c *Conn) error {
		dom, err := c.DomainLookupByName(name)
		if err != nil {
			return err
		}
		return c.DomainDestroy(dom)
	})
}

func (a *Adapter) UndefineDomain(ctx context.Context, name string) error {
	return a.record(ctx, "undefine domain "+name, func(c *Conn) error {
		dom, err := c.DomainLookupByName(name)
		if err != nil {
			return err
		}
		return c.DomainUndefine(dom)
	})
}

func (a *Adapter) DomainExists(ctx context.Context, name string) (bool, error) {
	conn, err := a.pool.Acquire(a.uri)
	if err != nil {
		return false, err
	}
	defer conn.Release()

	if _, err := conn.DomainLookupByName(name); err != nil {
		return false, nil
	}
	return true, nil
}

// DomainRunning reports whether the domain is in the running state.
func (a *Adapter) DomainRunning(ctx context.Context, name string) (bool, error) {
	conn, err := a.pool.Acquire(a.uri)
	if err != nil {
		return false, err
	}
	defer conn.Release()

	dom, err := conn.DomainLookupByName(name)
	if err != nil {
		return false, nil
	}
	state, _, err := conn.DomainGetState(dom, 0)
	if err != nil {
		return false, types.NewError(types.ErrHypervisor, "get state", err)
	}
	return libvirt.DomainState(state) == libvirt.DomainRunning, nil
}

func (a *Adapter) ListDomains(ctx context.Context, prefix string) ([]string, error) {
	conn, err := a.pool.Acquire(a.uri)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	domains, _, err := conn.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, types.NewError(types.ErrHypervisor, "list domains", err)
	}
	var names []string
	for _, d := range domains {
		if prefix == "" || strings.HasPrefix(d.Name, prefix) {
			names = append(names, d.Name)
		}
	}
	return names, nil
}

// CreateNetwork defines and starts an isolated libvirt network backed by
// the named bridge, with a host address and DHCP range derived from the
// subnet.
func (a *Adapter) CreateNetwork(ctx context.Context, name, bridge, subnet string) error {
	xml, err := networkXML(name, bridge, subnet)
	if err != nil {
		return err
	}
	return a.record(ctx, "create network "+name, func(c *Conn) error {
		_, err := c.NetworkCreateXML(xml)
		return err
	})
}

func (a *Adapter) DestroyNetwork(ctx context.Context, name string) error {
	return a.record(ctx, "destroy network "+name, func(c *Conn) error {
		nw, err := c.NetworkLookupByName(name)
		if err != nil {
			return err
		}
		return c.NetworkDestroy(nw)
	})
}

func (a *Adapter) ListNetworks(ctx context.Context, prefix string) ([]string, error) {
	conn, err := a.pool.Acquire(a.uri)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	nets, _, err := conn.ConnectListAllNetworks(1, 0)
	if err != nil {
		return nil, types.NewError(types.ErrHypervisor, "list networks", err)
	}
	var names []string
	for _, n := range nets {
		if prefix == "" || strings.HasPrefix(n.Name, prefix) {
			names = append(names, n.Name)
		}
	}
	return names, nil
}

// LeaseIPs queries the hypervisor's lease table for the domain, returning
// mac -> ip.
func (a *Adapter) LeaseIPs(ctx context.Context, domain string) (map[string]string, error) {
	conn, err := a.pool.Acquire(a.uri)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	dom, err := conn.DomainLookupByName(domain)
	if err != nil {
		return nil, types.NewError(types.ErrHypervisor, "lookup "+domain, err)
	}
	ifaces, err := conn.DomainInterfaceAddresses(dom,
		uint32(libvirt.DomainInterfaceAddressesSrcLease), 0)
	if err != nil {
		return nil, types.NewError(types.ErrHypervisor, "interface addresses", err)
	}

	out := map[string]string{}
	for _, iface := range ifaces {
		mac := ""
		if len(iface.Hwaddr) > 0 {
			mac = iface.Hwaddr[0]
		}
		for _, addr := range iface.Addrs {
			if net.ParseIP(addr.Addr) != nil && net.ParseIP(addr.Addr).To4() != nil {
				out[mac] = addr.Addr
			}
		}
	}
	return out, nil
}

// DomainMACs returns the MAC addresses of the domain's interfaces parsed
// from its live XML, for ARP-based discovery.
func (a *Adapter) DomainMACs(ctx context.Context, domain string) ([]string, error) {
	conn, err := a.pool.Acquire(a.uri)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	dom, err := conn.DomainLookupByName(domain)
	if err != nil {
		return nil, types.NewError(types.ErrHypervisor, "lookup "+domain, err)
	}
	desc, err := conn.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return nil, types.NewError(types.ErrHypervisor, "get xml", err)
	}
	return macsFromDomainXML(desc)
}

// networkXML renders an isolated network definition; the gateway takes
// the first host address of the subnet.
func networkXML(name, bridge, subnet string) (string, error) {
	_, ipnet, err := net.ParseCIDR(subnet)
	if err != nil {
		return "", types.NewError(types.ErrNetwork, "parse subnet", err)
	}
	gw := gatewayAddr(ipnet)
	mask := net.IP(ipnet.Mask).String()

	var b strings.Builder
	fmt.Fprintf(&b, "<network>\n")
	fmt.Fprintf(&b, "  <name>%s</name>\n", name)
	fmt.Fprintf(&b, "  <bridge name='%s' stp='on' delay='0'/>\n", bridge)
	fmt.Fprintf(&b, "  <ip address='%s' netmask='%s'>\n", gw, mask)
	fmt.Fprintf(&b, "    <dhcp>\n")
	fmt.Fprintf(&b, "      <range start='%s' end='%s'/>\n", dhcpStart(ipnet), dhcpEnd(ipnet))
	fmt.Fprintf(&b, "    </dhcp>\n")
	fmt.Fprintf(&b, "  </ip>\n")
	fmt.Fprintf(&b, "</network>\n")
	return b.String(), nil
}

func gatewayAddr(ipnet *net.IPNet) string {
	ip := ipnet.IP.To4()
	gw := net.IPv4(ip[0], ip[1], ip[2], ip[3]+1)
	return gw.String()
}

func dhcpStart(ipnet *net.IPNet) string {
	ip := ipnet.IP.To4()
	return net.IPv4(ip[0], ip[1], ip[2], 100).String()
}

func dhcpEnd(ipnet *net.IPNet) string {
	ip := ipnet.IP.To4()
	return net.IPv4(ip[0], ip[1], ip[2], 254).String()
}

// context attribution, mirrored from sshexec so both executors label
// ledger records the same way.
type ctxKey string

const (
	ctxRangeID ctxKey = "range_id"
	ctxPhase   ctxKey = "phase"
)

// WithRange attributes subsequent adapter calls to a range and phase.
func WithRange(ctx context.Context, rangeID, phase string) context.Context {
	ctx = context.WithValue(ctx, ctxRangeID, rangeID)
	return context.WithValue(ctx, ctxPhase, phase)
}

func rangeIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxRangeID).(string)
	return v
}

func phaseFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxPhase).(string)
	return v
}

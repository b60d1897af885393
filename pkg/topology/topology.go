package topology

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/rs/zerolog"

	"github.com/cyris-project/cyris/pkg/log"
	"github.com/cyris-project/cyris/pkg/types"
)

// Assignment binds one member interface of one clone instance to an IP.
type Assignment struct {
	GuestID  string
	Iface    string
	Instance int // 0-based clone index
	IP       string
}

// Key renders the member key used in tags.ip_assignments
// (guest_id.iface for instance 0, guest_id-N.iface beyond).
func (a Assignment) Key() string {
	if a.Instance == 0 {
		return fmt.Sprintf("%s.%s", a.GuestID, a.Iface)
	}
	return fmt.Sprintf("%s-%d.%s", a.GuestID, a.Instance, a.Iface)
}

// NetworkPlan is one network's realized layout: bridge name, subnet, and
// the per-member IP assignments.
type NetworkPlan struct {
	Name        string
	Bridge      string
	Subnet      string
	Assignments []Assignment
}

// Planner allocates subnets and member IPs for a range's declared
// networks.
type Planner struct {
	logger zerolog.Logger
}

// NewPlanner creates a planner.
func NewPlanner() *Planner {
	return &Planner{logger: log.WithComponent("topology")}
}

// freePoolBase is the first subnet handed out to networks declared
// without one.
var freePoolBase = net.IPv4(192, 168, 100, 0)

// Plan computes bridges, subnets and IP assignments for the declared
// networks. counts maps guest_id to the number of clone instances.
// Assignment is deterministic: members sorted, instances ascending, host
// addresses allocated from the first usable address after the gateway.
func (p *Planner) Plan(rangeID string, topos []types.Topology, counts map[string]int) ([]NetworkPlan, error) {
	used := map[string]bool{}
	for _, topo := range topos {
		for _, nw := range topo.Networks {
			if nw.Subnet != "" {
				used[nw.Subnet] = true
			}
		}
	}

	nextFree := 0
	var plans []NetworkPlan
	for _, topo := range topos {
		for _, nw := range topo.Networks {
			subnet := nw.Subnet
			if subnet == "" {
				var err error
				subnet, nextFree, err = allocateFree(used, nextFree)
				if err != nil {
					return nil, err
				}
			}
			_, ipnet, err := net.ParseCIDR(subnet)
			if err != nil {
				return nil, types.NewError(types.ErrNetwork, "parse subnet "+subnet, err)
			}

			plan := NetworkPlan{
				Name:   nw.Name,
				Bridge: types.BridgeName(rangeID, nw.Name),
				Subnet: subnet,
			}

			members := append([]string(nil), nw.Members...)
			sort.Strings(members)

			// Offset 1 is the gateway; members start at 2.
			offset := 2
			for _, member := range members {
				parts := strings.SplitN(member, ".", 2)
				guestID, iface := parts[0], parts[1]
				n := counts[guestID]
				if n == 0 {
					n = 1
				}
				for inst := 0; inst < n; inst++ {
					ip, err := cidr.Host(ipnet, offset)
					if err != nil {
						return nil, types.NewError(types.ErrNetwork, "allocate ip",
							fmt.Errorf("subnet %s exhausted at member %s", subnet, member))
					}
					plan.Assignments = append(plan.Assignments, Assignment{
						GuestID:  guestID,
						Iface:    iface,
						Instance: inst,
						IP:       ip.String(),
					})
					offset++
				}
			}
			plans = append(plans, plan)
		}
	}
	return plans, nil
}

// allocateFree hands out 192.168.(100+n).0/24 subnets, skipping any the
// description declared explicitly.
func allocateFree(used map[string]bool, next int) (string, int, error) {
	base := freePoolBase.To4()
	for ; next < 150; next++ {
		candidate := fmt.Sprintf("%d.%d.%d.0/24", base[0], base[1], int(base[2])+next)
		if !used[candidate] {
			used[candidate] = true
			return candidate, next + 1, nil
		}
	}
	return "", next, types.NewError(types.ErrNetwork, "allocate subnet",
		fmt.Errorf("free subnet pool exhausted"))
}

// IPAssignments flattens plans into the tags.ip_assignments map.
func IPAssignments(plans []NetworkPlan) map[string]string {
	out := map[string]string{}
	for _, plan := range plans {
		for _, a := range plan.Assignments {
			out[a.Key()] = a.IP
		}
	}
	return out
}

// PlanFor returns the plan of the named network.
func PlanFor(plans []NetworkPlan, name string) (*NetworkPlan, bool) {
	for i := range plans {
		if plans[i].Name == name {
			return &plans[i], true
		}
	}
	return nil, false
}

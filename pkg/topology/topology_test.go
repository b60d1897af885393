package topology

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyris-project/cyris/pkg/types"
)

func twoNetworkTopology() []types.Topology {
	return []types.Topology{{
		Type: "custom",
		Networks: []types.Network{
			{Name: "office", Subnet: "172.16.1.0/24", Members: []string{"desktop.eth0", "fileserver.eth0"}},
			{Name: "dmz", Members: []string{"webserver.eth0"}},
		},
		ForwardingRules: []types.ForwardingRule{
			{SrcNetwork: "office", DstNetwork: "dmz", DstPort: "80", Protocol: "tcp"},
		},
	}}
}

func TestPlanDeterministic(t *testing.T) {
	p := NewPlanner()
	counts := map[string]int{"desktop": 2, "fileserver": 1, "webserver": 1}

	a, err := p.Plan("r1", twoNetworkTopology(), counts)
	require.NoError(t, err)
	b, err := p.Plan("r1", twoNetworkTopology(), counts)
	require.NoError(t, err)
	assert.Equal(t, a, b, "same description must yield identical plans")
}

func TestPlanAssignments(t *testing.T) {
	p := NewPlanner()
	plans, err := p.Plan("r1", twoNetworkTopology(), map[string]int{"desktop": 2, "fileserver": 1, "webserver": 1})
	require.NoError(t, err)
	require.Len(t, plans, 2)

	office := plans[0]
	assert.Equal(t, "cr-br-r1-office", office.Bridge)
	assert.Equal(t, "172.16.1.0/24", office.Subnet)
	// Members sorted, instances ascending, addresses from .2.
	require.Len(t, office.Assignments, 3)
	assert.Equal(t, "172.16.1.2", office.Assignments[0].IP)
	assert.Equal(t, "desktop", office.Assignments[0].GuestID)
	assert.Equal(t, "172.16.1.3", office.Assignments[1].IP)
	assert.Equal(t, 1, office.Assignments[1].Instance)
	assert.Equal(t, "fileserver", office.Assignments[2].GuestID)
	assert.Equal(t, "172.16.1.4", office.Assignments[2].IP)

	// Undeclared subnet comes from the free pool.
	dmz := plans[1]
	assert.Equal(t, "192.168.100.0/24", dmz.Subnet)
}

func TestPlanIPsUniqueAndInSubnet(t *testing.T) {
	p := NewPlanner()
	plans, err := p.Plan("r1", twoNetworkTopology(), map[string]int{"desktop": 5, "fileserver": 3, "webserver": 2})
	require.NoError(t, err)

	for _, plan := range plans {
		_, ipnet, err := net.ParseCIDR(plan.Subnet)
		require.NoError(t, err)
		seen := map[string]bool{}
		for _, a := range plan.Assignments {
			assert.False(t, seen[a.IP], "duplicate ip %s", a.IP)
			seen[a.IP] = true
			assert.True(t, ipnet.Contains(net.ParseIP(a.IP)), "%s outside %s", a.IP, plan.Subnet)
		}
	}
}

func TestFreePoolSkipsDeclaredSubnets(t *testing.T) {
	topos := []types.Topology{{
		Type: "custom",
		Networks: []types.Network{
			{Name: "a", Subnet: "192.168.100.0/24", Members: []string{"g.eth0"}},
			{Name: "b", Members: []string{"g.eth1"}},
		},
	}}
	p := NewPlanner()
	plans, err := p.Plan("r1", topos, map[string]int{"g": 1})
	require.NoError(t, err)
	assert.Equal(t, "192.168.101.0/24", plans[1].Subnet)
}

func TestAssignmentKey(t *testing.T) {
	assert.Equal(t, "desktop.eth0", Assignment{GuestID: "desktop", Iface: "eth0"}.Key())
	assert.Equal(t, "desktop-2.eth0", Assignment{GuestID: "desktop", Iface: "eth0", Instance: 2}.Key())
}

func TestIPAssignmentsFlatten(t *testing.T) {
	p := NewPlanner()
	plans, err := p.Plan("r1", twoNetworkTopology(), map[string]int{"desktop": 1, "fileserver": 1, "webserver": 1})
	require.NoError(t, err)

	flat := IPAssignments(plans)
	assert.Equal(t, "172.16.1.2", flat["desktop.eth0"])
	assert.Equal(t, "172.16.1.3", flat["fileserver.eth0"])
	assert.NotEmpty(t, flat["webserver.eth0"])
}

func TestSynthesize(t *testing.T) {
	p := NewPlanner()
	plans, err := p.Plan("r1", twoNetworkTopology(), map[string]int{"desktop": 1, "fileserver": 1, "webserver": 1})
	require.NoError(t, err)

	rs, err := Synthesize("r1", twoNetworkTopology(), plans)
	require.NoError(t, err)
	assert.Equal(t, "CYRIS_r1", rs.Chain)

	// Replies first, declared rules in the middle, drop last.
	require.Len(t, rs.Rules, 3)
	assert.Contains(t, rs.Rules[0], "ESTABLISHED,RELATED")
	assert.Equal(t, "DROP", rs.Rules[len(rs.Rules)-1][len(rs.Rules[len(rs.Rules)-1])-1])

	declared := rs.Rules[1]
	assert.Contains(t, declared, "172.16.1.0/24")
	assert.Contains(t, declared, "192.168.100.0/24")
	assert.Contains(t, declared, "--dport")
	assert.Contains(t, declared, "NEW")

	// One jump pair per bridge.
	assert.Len(t, rs.Jumps, 4)
}

func TestSynthesizeUnknownNetwork(t *testing.T) {
	topos := []types.Topology{{
		ForwardingRules: []types.ForwardingRule{{SrcNetwork: "ghost", DstNetwork: "dmz"}},
	}}
	_, err := Synthesize("r1", topos, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrConfig, types.KindOf(err))
}

func TestChainName(t *testing.T) {
	assert.Equal(t, "CYRIS_abc", ChainName("abc"))
}

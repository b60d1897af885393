package topology

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cyris-project/cyris/pkg/log"
	"github.com/cyris-project/cyris/pkg/privilege"
	"github.com/cyris-project/cyris/pkg/registry"
	"github.com/cyris-project/cyris/pkg/types"
)

// ChainName returns the per-range iptables chain.
func ChainName(rangeID string) string {
	return "CYRIS_" + rangeID
}

// RuleSet is the synthesized forward policy for one range: a dedicated
// chain plus a jump from FORWARD scoped to the range's bridges.
type RuleSet struct {
	Chain string
	// Rules are iptables argument vectors, without the leading binary,
	// in application order.
	Rules [][]string
	// Jumps hook the chain into FORWARD, one per range bridge.
	Jumps [][]string
}

// Synthesize turns declared forwarding rules into a stateful iptables
// policy. The chain default-drops; each declared rule admits NEW
// connections in the declared direction, and one catch-all admits
// ESTABLISHED,RELATED traffic so replies flow without a reverse rule.
func Synthesize(rangeID string, topos []types.Topology, plans []NetworkPlan) (*RuleSet, error) {
	chain := ChainName(rangeID)
	rs := &RuleSet{Chain: chain}

	// Replies first so they match before the per-rule entries.
	rs.Rules = append(rs.Rules, []string{
		"-A", chain, "-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT",
	})

	for _, topo := range topos {
		for _, rule := range topo.ForwardingRules {
			src, ok := PlanFor(plans, rule.SrcNetwork)
			if !ok {
				return nil, types.ConfigError("forwarding_rule.src",
					"unknown network %q", rule.SrcNetwork)
			}
			dst, ok := PlanFor(plans, rule.DstNetwork)
			if !ok {
				return nil, types.ConfigError("forwarding_rule.dst",
					"unknown network %q", rule.DstNetwork)
			}
			proto := rule.Protocol
			if proto == "" {
				proto = "tcp"
			}
			args := []string{
				"-A", chain,
				"-s", src.Subnet,
				"-d", dst.Subnet,
				"-p", proto,
			}
			if rule.SrcPort != "" {
				args = append(args, "--sport", rule.SrcPort)
			}
			if rule.DstPort != "" {
				args = append(args, "--dport", rule.DstPort)
			}
			args = append(args, "-m", "state", "--state", "NEW", "-j", "ACCEPT")
			rs.Rules = append(rs.Rules, args)
		}
	}

	rs.Rules = append(rs.Rules, []string{"-A", chain, "-j", "DROP"})

	for _, plan := range plans {
		rs.Jumps = append(rs.Jumps,
			[]string{"-I", "FORWARD", "-i", plan.Bridge, "-j", chain},
			[]string{"-I", "FORWARD", "-o", plan.Bridge, "-j", chain},
		)
	}
	return rs, nil
}

// Firewall applies and reverts rule sets through the elevation session.
type Firewall struct {
	priv   *privilege.Session
	logger zerolog.Logger
}

// NewFirewall creates a firewall bound to an elevation session.
func NewFirewall(priv *privilege.Session) *Firewall {
	return &Firewall{priv: priv, logger: log.WithComponent("firewall")}
}

func (f *Firewall) run(ctx context.Context, rangeID string, args []string, ignoreErrors bool) error {
	_, err := f.priv.Run(ctx, registry.Command{
		Kind:         types.OpShell,
		Argv:         append([]string{"iptables"}, args...),
		RangeID:      rangeID,
		Phase:        "forwarding rules",
		IgnoreErrors: ignoreErrors,
	})
	return err
}

// Apply installs the chain, fills it, then hooks it into FORWARD. The
// jump is inserted last so traffic never hits a half-built chain.
func (f *Firewall) Apply(ctx context.Context, rangeID string, rs *RuleSet) error {
	if err := f.run(ctx, rangeID, []string{"-N", rs.Chain}, false); err != nil {
		return types.NewError(types.ErrNetwork, "create chain "+rs.Chain, err)
	}
	for _, rule := range rs.Rules {
		if err := f.run(ctx, rangeID, rule, false); err != nil {
			return types.NewError(types.ErrNetwork, "install rule", err)
		}
	}
	for _, jump := range rs.Jumps {
		if err := f.run(ctx, rangeID, jump, false); err != nil {
			return types.NewError(types.ErrNetwork, "hook chain into FORWARD", err)
		}
	}
	f.logger.Info().Str("range_id", rangeID).Str("chain", rs.Chain).
		Int("rules", len(rs.Rules)).Msg("forwarding policy applied")
	return nil
}

// EntryPointDNAT exposes an entry-point guest's SSH port on the host.
// Returns the synthesized rule so teardown can record it.
func (f *Firewall) EntryPointDNAT(ctx context.Context, rangeID, guestIP string, hostPort int) ([]string, error) {
	args := []string{
		"-t", "nat", "-A", "PREROUTING",
		"-p", "tcp", "--dport", fmt.Sprintf("%d", hostPort),
		"-j", "DNAT", "--to-destination", guestIP + ":22",
	}
	if err := f.run(ctx, rangeID, args, false); err != nil {
		return nil, types.NewError(types.ErrNetwork, "entry point dnat", err)
	}
	return args, nil
}

// Revert removes the jumps, flushes and deletes the chain, and drops any
// recorded DNAT rules. Every step tolerates absence so a partial apply
// or a repeated destroy converges.
func (f *Firewall) Revert(ctx context.Context, rangeID string, bridges []string, dnatRules [][]string) error {
	chain := ChainName(rangeID)
	for _, bridge := range bridges {
		f.run(ctx, rangeID, []string{"-D", "FORWARD", "-i", bridge, "-j", chain}, true)
		f.run(ctx, rangeID, []string{"-D", "FORWARD", "-o", bridge, "-j", chain}, true)
	}
	f.run(ctx, rangeID, []string{"-F", chain}, true)
	f.run(ctx, rangeID, []string{"-X", chain}, true)
	for _, rule := range dnatRules {
		// -A recorded at apply time becomes -D on teardown.
		del := append([]string(nil), rule...)
		for i, a := range del {
			if a == "-A" {
				del[i] = "-D"
				break
			}
		}
		f.run(ctx, rangeID, del, true)
	}
	return nil
}

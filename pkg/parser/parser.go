package parser

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cyris-project/cyris/pkg/types"
)

// Parser loads and validates range description files.
type Parser struct {
	// LegacyCompat accepts unknown keys instead of rejecting them, for
	// descriptions written against older CyRIS releases.
	LegacyCompat bool
}

// ParseFile reads and parses the description at path.
func (p *Parser) ParseFile(path string) (*types.RangeDescription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewError(types.ErrConfig, "read description", err)
	}
	return p.Parse(data)
}

// Parse parses a range description document.
func (p *Parser) Parse(data []byte) (*types.RangeDescription, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, types.NewError(types.ErrConfig, "parse description", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, types.ConfigError("(document)", "empty description")
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, types.ConfigError("(document)", "top level must be a mapping")
	}

	desc := &types.RangeDescription{}
	seen := map[string]bool{}
	for i := 0; i+1 < len(top.Content); i += 2 {
		key := top.Content[i].Value
		val := top.Content[i+1]
		seen[key] = true
		switch key {
		case "host_settings":
			if err := p.decodeHosts(val, desc); err != nil {
				return nil, err
			}
		case "guest_settings":
			if err := p.decodeGuests(val, desc); err != nil {
				return nil, err
			}
		case "clone_settings":
			if err := p.decodeClones(val, desc); err != nil {
				return nil, err
			}
		default:
			if !p.LegacyCompat {
				return nil, types.ConfigError(key, "unknown top-level section")
			}
		}
	}
	for _, required := range []string{"host_settings", "guest_settings", "clone_settings"} {
		if !seen[required] {
			return nil, types.ConfigError(required, "missing required section")
		}
	}

	if err := p.validate(desc); err != nil {
		return nil, err
	}
	return desc, nil
}

// decodeStrict decodes node into out, rejecting unknown keys unless
// legacy compatibility is on.
func (p *Parser) decodeStrict(node *yaml.Node, out interface{}, path string) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	if err := enc.Encode(node); err != nil {
		return types.ConfigError(path, "re-encode: %v", err)
	}
	enc.Close()
	dec := yaml.NewDecoder(&buf)
	dec.KnownFields(!p.LegacyCompat)
	if err := dec.Decode(out); err != nil {
		return types.ConfigError(path, "%v", err)
	}
	return nil
}

func (p *Parser) decodeHosts(node *yaml.Node, desc *types.RangeDescription) error {
	if node.Kind != yaml.SequenceNode {
		return types.ConfigError("host_settings", "must be a list")
	}
	for i, item := range node.Content {
		path := fmt.Sprintf("host_settings[%d]", i)
		var h types.Host
		if err := p.decodeStrict(item, &h, path); err != nil {
			return err
		}
		desc.Hosts = append(desc.Hosts, h)
	}
	return nil
}

func (p *Parser) decodeGuests(node *yaml.Node, desc *types.RangeDescription) error {
	if node.Kind != yaml.SequenceNode {
		return types.ConfigError("guest_settings", "must be a list")
	}
	for i, item := range node.Content {
		path := fmt.Sprintf("guest_settings[%d]", i)
		guestNode, tasksNode := splitKey(item, "tasks")
		var g types.Guest
		if err := p.decodeStrict(guestNode, &g, path); err != nil {
			return err
		}
		if tasksNode != nil {
			tasks, err := p.decodeTasks(tasksNode, path+".tasks")
			if err != nil {
				return err
			}
			g.Tasks = tasks
		}
		desc.Guests = append(desc.Guests, g)
	}
	return nil
}

// decodeTasks parses the per-type task lists:
//
//	tasks:
//	  - add_account: [{account: trainee, passwd: t123}]
//	  - install_package: [{name: curl}]
func (p *Parser) decodeTasks(node *yaml.Node, path string) ([]types.Task, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, types.ConfigError(path, "must be a list")
	}
	var tasks []types.Task
	for i, item := range node.Content {
		if item.Kind != yaml.MappingNode || len(item.Content) != 2 {
			return nil, types.ConfigError(fmt.Sprintf("%s[%d]", path, i),
				"each entry must map one task type to its parameter list")
		}
		taskType := types.TaskType(item.Content[0].Value)
		if !knownTaskTypes[taskType] {
			return nil, types.ConfigError(fmt.Sprintf("%s[%d]", path, i),
				"unknown task type %q", taskType)
		}
		params := item.Content[1]
		if params.Kind != yaml.SequenceNode {
			return nil, types.ConfigError(fmt.Sprintf("%s[%d].%s", path, i, taskType),
				"parameters must be a list")
		}
		for j, pn := range params.Content {
			ppath := fmt.Sprintf("%s[%d].%s[%d]", path, i, taskType, j)
			var t types.Task
			if err := p.decodeStrict(pn, &t, ppath); err != nil {
				return nil, err
			}
			t.Type = taskType
			t.ID = fmt.Sprintf("%s-%d-%d", taskType, i, j)
			if err := validateTask(&t, ppath); err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

var knownTaskTypes = map[types.TaskType]bool{
	types.TaskAddAccount:     true,
	types.TaskModifyAccount:  true,
	types.TaskInstallPackage: true,
	types.TaskCopyContent:    true,
	types.TaskExecuteProgram: true,
	types.TaskEmulateAttack:  true,
	types.TaskEmulateMalware: true,
	types.TaskEmulateTraffic: true,
	types.TaskFirewallRules:  true,
}

func validateTask(t *types.Task, path string) error {
	switch t.Type {
	case types.TaskAddAccount:
		if t.Account == "" || t.Passwd == "" {
			return types.ConfigError(path, "add_account requires account and passwd")
		}
	case types.TaskModifyAccount:
		if t.Account == "" || (t.NewPasswd == "" && t.NewAccount == "") {
			return types.ConfigError(path, "modify_account requires account plus new_passwd or new_account")
		}
	case types.TaskInstallPackage:
		if t.Name == "" {
			return types.ConfigError(path, "install_package requires name")
		}
	case types.TaskCopyContent:
		if t.Src == "" || t.Dst == "" {
			return types.ConfigError(path, "copy_content requires src and dst")
		}
	case types.TaskExecuteProgram:
		if t.Program == "" {
			return types.ConfigError(path, "execute_program requires program")
		}
	case types.TaskEmulateAttack:
		if t.Target == "" {
			return types.ConfigError(path, "emulate_attack requires target")
		}
	case types.TaskEmulateTraffic:
		if t.PcapFile == "" {
			return types.ConfigError(path, "emulate_traffic_capture_file requires pcap_file")
		}
	case types.TaskFirewallRules:
		if t.RuleFile == "" {
			return types.ConfigError(path, "firewall_rules requires rule")
		}
	}
	return nil
}

func (p *Parser) decodeClones(node *yaml.Node, desc *types.RangeDescription) error {
	if node.Kind != yaml.SequenceNode {
		return types.ConfigError("clone_settings", "must be a list")
	}
	for i, item := range node.Content {
		path := fmt.Sprintf("clone_settings[%d]", i)
		var cs rawCloneSetting
		if err := p.decodeStrict(item, &cs, path); err != nil {
			return err
		}
		out := types.CloneSetting{RangeID: cs.RangeID}
		for hi, h := range cs.Hosts {
			hc := types.HostClone{
				HostID:         h.HostID,
				InstanceNumber: h.InstanceNumber,
				Guests:         h.Guests,
			}
			for ti, topo := range h.Topology {
				tpath := fmt.Sprintf("%s.hosts[%d].topology[%d]", path, hi, ti)
				t := types.Topology{Type: topo.Type, Networks: topo.Networks}
				for ri, fr := range topo.ForwardingRules {
					rule, err := parseForwardingRule(fr.Rule,
						fmt.Sprintf("%s.forwarding_rules[%d]", tpath, ri))
					if err != nil {
						return err
					}
					t.ForwardingRules = append(t.ForwardingRules, rule)
				}
				hc.Topology = append(hc.Topology, t)
			}
			out.Hosts = append(out.Hosts, hc)
		}
		desc.Clones = append(desc.Clones, out)
	}
	return nil
}

// raw clone-setting shapes as they appear in YAML. Forwarding rules arrive
// as "src=office dst=dmz dport=80" strings and are normalized here.
type rawCloneSetting struct {
	RangeID string         `yaml:"range_id"`
	Hosts   []rawHostClone `yaml:"hosts"`
}

type rawHostClone struct {
	HostID         string             `yaml:"host_id"`
	InstanceNumber int                `yaml:"instance_number"`
	Guests         []types.GuestClone `yaml:"guests"`
	Topology       []rawTopology      `yaml:"topology"`
}

type rawTopology struct {
	Type            string           `yaml:"type"`
	Networks        []types.Network  `yaml:"networks"`
	ForwardingRules []rawForwardRule `yaml:"forwarding_rules"`
}

type rawForwardRule struct {
	Rule string `yaml:"rule"`
}

func parseForwardingRule(s, path string) (types.ForwardingRule, error) {
	rule := types.ForwardingRule{Protocol: "tcp"}
	for _, field := range strings.Fields(s) {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			return rule, types.ConfigError(path, "malformed field %q", field)
		}
		switch kv[0] {
		case "src":
			rule.SrcNetwork = kv[1]
		case "dst":
			rule.DstNetwork = kv[1]
		case "sport":
			rule.SrcPort = kv[1]
		case "dport":
			rule.DstPort = kv[1]
		case "proto":
			rule.Protocol = kv[1]
		default:
			return rule, types.ConfigError(path, "unknown field %q", kv[0])
		}
	}
	if rule.SrcNetwork == "" || rule.DstNetwork == "" {
		return rule, types.ConfigError(path, "rule requires src and dst")
	}
	return rule, nil
}

// splitKey returns a copy of mapping node n without key, plus the removed
// key's value node (nil when absent).
func splitKey(n *yaml.Node, key string) (*yaml.Node, *yaml.Node) {
	if n.Kind != yaml.MappingNode {
		return n, nil
	}
	out := *n
	out.Content = nil
	var removed *yaml.Node
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			removed = n.Content[i+1]
			continue
		}
		out.Content = append(out.Content, n.Content[i], n.Content[i+1])
	}
	return &out, removed
}

// validate cross-checks the parsed description and fills derived fields.
func (p *Parser) validate(desc *types.RangeDescription) error {
	if len(desc.Hosts) == 0 {
		return types.ConfigError("host_settings", "at least one host is required")
	}
	hostIDs := map[string]bool{}
	for i, h := range desc.Hosts {
		path := fmt.Sprintf("host_settings[%d]", i)
		if h.ID == "" {
			return types.ConfigError(path+".id", "must not be empty")
		}
		if hostIDs[h.ID] {
			return types.ConfigError(path+".id", "duplicate host id %q", h.ID)
		}
		hostIDs[h.ID] = true
		if h.MgmtAddr == "" {
			return types.ConfigError(path+".mgmt_addr", "must not be empty")
		}
	}

	guestIDs := map[string]bool{}
	for i := range desc.Guests {
		g := &desc.Guests[i]
		path := fmt.Sprintf("guest_settings[%d]", i)
		if g.ID == "" {
			return types.ConfigError(path+".id", "must not be empty")
		}
		if guestIDs[g.ID] {
			return types.ConfigError(path+".id", "duplicate guest id %q", g.ID)
		}
		guestIDs[g.ID] = true
		if err := validateGuest(g, path); err != nil {
			return err
		}
	}

	for i, cs := range desc.Clones {
		path := fmt.Sprintf("clone_settings[%d]", i)
		if cs.RangeID == "" {
			return types.ConfigError(path+".range_id", "must not be empty")
		}
		for hi, hc := range cs.Hosts {
			hpath := fmt.Sprintf("%s.hosts[%d]", path, hi)
			if !hostIDs[hc.HostID] {
				return types.ConfigError(hpath+".host_id", "unknown host %q", hc.HostID)
			}
			for gi, gc := range hc.Guests {
				gpath := fmt.Sprintf("%s.guests[%d]", hpath, gi)
				if !guestIDs[gc.GuestID] {
					return types.ConfigError(gpath+".guest_id", "unknown guest %q", gc.GuestID)
				}
				if gc.Number < 1 {
					return types.ConfigError(gpath+".number", "must be >= 1, got %d", gc.Number)
				}
			}
			for ti, topo := range hc.Topology {
				tpath := fmt.Sprintf("%s.topology[%d]", hpath, ti)
				if err := validateTopology(&topo, guestIDs, tpath); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func validateGuest(g *types.Guest, path string) error {
	switch g.BaseVMType {
	case types.BaseVMKVM:
		if g.BaseVMConfigFile == "" {
			return types.ConfigError(path+".basevm_config_file", "required for basevm_type kvm")
		}
	case types.BaseVMKVMAuto:
		if g.BaseVMConfigFile != "" {
			return types.ConfigError(path+".basevm_config_file", "must not be set for basevm_type kvm-auto")
		}
		if g.ImageName == "" {
			return types.ConfigError(path+".image_name", "required for basevm_type kvm-auto")
		}
		if g.VCPUs < types.MinVCPUs || g.VCPUs > types.MaxVCPUs {
			return types.ConfigError(path+".vcpus", "must be in [%d, %d], got %d",
				types.MinVCPUs, types.MaxVCPUs, g.VCPUs)
		}
		if g.MemoryMiB < types.MinMemoryMiB || g.MemoryMiB > types.MaxMemoryMiB {
			return types.ConfigError(path+".memory", "must be in [%d, %d], got %d",
				types.MinMemoryMiB, types.MaxMemoryMiB, g.MemoryMiB)
		}
		if g.DiskSize != "" && !validDiskSize(g.DiskSize) {
			return types.ConfigError(path+".disk_size", "malformed size %q (expect e.g. 20G)", g.DiskSize)
		}
		if g.Graphics != "" && !validGraphics[g.Graphics] {
			return types.ConfigError(path+".graphics", "must be one of vnc, spice, sdl, none")
		}
		if g.NetworkModel != "" && !validNetModel[g.NetworkModel] {
			return types.ConfigError(path+".network_model", "must be one of virtio, e1000, rtl8139, ne2k_pci")
		}
		g.BaseVMOSType = DeriveOSType(g.ImageName)
	case types.BaseVMAWS:
		// Validated by the AWS provider; out of core scope.
	default:
		return types.ConfigError(path+".basevm_type", "must be one of kvm, kvm-auto, aws")
	}
	return nil
}

var validGraphics = map[string]bool{"vnc": true, "spice": true, "sdl": true, "none": true}
var validNetModel = map[string]bool{"virtio": true, "e1000": true, "rtl8139": true, "ne2k_pci": true}

func validDiskSize(s string) bool {
	if len(s) < 2 {
		return false
	}
	unit := s[len(s)-1]
	if unit != 'G' && unit != 'M' && unit != 'T' {
		return false
	}
	for _, c := range s[:len(s)-1] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func validateTopology(t *types.Topology, guestIDs map[string]bool, path string) error {
	netNames := map[string]bool{}
	for ni, n := range t.Networks {
		npath := fmt.Sprintf("%s.networks[%d]", path, ni)
		if n.Name == "" {
			return types.ConfigError(npath+".name", "must not be empty")
		}
		if netNames[n.Name] {
			return types.ConfigError(npath+".name", "duplicate network %q", n.Name)
		}
		netNames[n.Name] = true
		if n.Subnet != "" {
			if _, _, err := net.ParseCIDR(n.Subnet); err != nil {
				return types.ConfigError(npath+".subnet", "invalid CIDR %q", n.Subnet)
			}
		}
		for mi, m := range n.Members {
			parts := strings.SplitN(m, ".", 2)
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				return types.ConfigError(fmt.Sprintf("%s.members[%d]", npath, mi),
					"member must be guest_id.iface, got %q", m)
			}
			if !guestIDs[parts[0]] {
				return types.ConfigError(fmt.Sprintf("%s.members[%d]", npath, mi),
					"unknown guest %q", parts[0])
			}
		}
	}
	for ri, r := range t.ForwardingRules {
		rpath := fmt.Sprintf("%s.forwarding_rules[%d]", path, ri)
		if !netNames[r.SrcNetwork] {
			return types.ConfigError(rpath, "unknown src network %q", r.SrcNetwork)
		}
		if !netNames[r.DstNetwork] {
			return types.ConfigError(rpath, "unknown dst network %q", r.DstNetwork)
		}
	}
	return nil
}

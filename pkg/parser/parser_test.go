package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyris-project/cyris/pkg/types"
)

const validDescription = `
host_settings:
  - id: host_1
    mgmt_addr: localhost
    virbr_addr: 192.168.122.1
    account: cyuser

guest_settings:
  - id: desktop
    basevm_type: kvm-auto
    image_name: ubuntu-20.04
    vcpus: 2
    memory: 2048
    disk_size: 20G
    tasks:
      - add_account: [{account: trainee, passwd: tr41n33}]
      - install_package: [{name: curl}]

clone_settings:
  - range_id: range01
    hosts:
      - host_id: host_1
        instance_number: 1
        guests:
          - guest_id: desktop
            number: 2
            entry_point: true
        topology:
          - type: custom
            networks:
              - name: office
                members: [desktop.eth0]
            forwarding_rules:
              - rule: src=office dst=office dport=80
`

func TestParseValidDescription(t *testing.T) {
	p := &Parser{}
	desc, err := p.Parse([]byte(validDescription))
	require.NoError(t, err)

	require.Len(t, desc.Hosts, 1)
	assert.Equal(t, "host_1", desc.Hosts[0].ID)
	assert.True(t, desc.Hosts[0].IsLocal())

	require.Len(t, desc.Guests, 1)
	g := desc.Guests[0]
	assert.Equal(t, types.BaseVMKVMAuto, g.BaseVMType)
	assert.Equal(t, types.OSUbuntu20, g.BaseVMOSType)
	require.Len(t, g.Tasks, 2)
	assert.Equal(t, types.TaskAddAccount, g.Tasks[0].Type)
	assert.Equal(t, "add_account-0-0", g.Tasks[0].ID)
	assert.Equal(t, types.TaskInstallPackage, g.Tasks[1].Type)

	require.Len(t, desc.Clones, 1)
	clone := desc.Clones[0]
	assert.Equal(t, "range01", clone.RangeID)
	require.Len(t, clone.Hosts, 1)
	assert.True(t, clone.Hosts[0].Guests[0].EntryPoint)
	require.Len(t, clone.Hosts[0].Topology, 1)
	rules := clone.Hosts[0].Topology[0].ForwardingRules
	require.Len(t, rules, 1)
	assert.Equal(t, "office", rules[0].SrcNetwork)
	assert.Equal(t, "80", rules[0].DstPort)
	assert.Equal(t, "tcp", rules[0].Protocol)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string // substring of the field path in the error
	}{
		{
			name: "missing section",
			yaml: "host_settings:\n  - {id: h, mgmt_addr: localhost}\nguest_settings: []\n",
			want: "clone_settings",
		},
		{
			name: "unknown top-level key",
			yaml: "bogus_settings: []\n",
			want: "bogus_settings",
		},
		{
			name: "unknown guest in clone",
			yaml: `
host_settings:
  - {id: h, mgmt_addr: localhost}
guest_settings:
  - {id: g, basevm_type: kvm-auto, image_name: ubuntu-20.04, vcpus: 1, memory: 1024}
clone_settings:
  - range_id: r
    hosts:
      - host_id: h
        instance_number: 1
        guests:
          - {guest_id: nope, number: 1}
`,
			want: "guest_id",
		},
		{
			name: "vcpus out of range",
			yaml: `
host_settings:
  - {id: h, mgmt_addr: localhost}
guest_settings:
  - {id: g, basevm_type: kvm-auto, image_name: ubuntu-20.04, vcpus: 99, memory: 1024}
clone_settings:
  - range_id: r
    hosts: [{host_id: h, instance_number: 1, guests: [{guest_id: g, number: 1}]}]
`,
			want: "vcpus",
		},
		{
			name: "kvm-auto forbids basevm_config_file",
			yaml: `
host_settings:
  - {id: h, mgmt_addr: localhost}
guest_settings:
  - {id: g, basevm_type: kvm-auto, basevm_config_file: /x.xml, image_name: ubuntu-20.04, vcpus: 1, memory: 1024}
clone_settings:
  - range_id: r
    hosts: [{host_id: h, instance_number: 1, guests: [{guest_id: g, number: 1}]}]
`,
			want: "basevm_config_file",
		},
		{
			name: "classic kvm requires basevm_config_file",
			yaml: `
host_settings:
  - {id: h, mgmt_addr: localhost}
guest_settings:
  - {id: g, basevm_type: kvm}
clone_settings:
  - range_id: r
    hosts: [{host_id: h, instance_number: 1, guests: [{guest_id: g, number: 1}]}]
`,
			want: "basevm_config_file",
		},
		{
			name: "bad disk size",
			yaml: `
host_settings:
  - {id: h, mgmt_addr: localhost}
guest_settings:
  - {id: g, basevm_type: kvm-auto, image_name: ubuntu-20.04, vcpus: 1, memory: 1024, disk_size: twenty}
clone_settings:
  - range_id: r
    hosts: [{host_id: h, instance_number: 1, guests: [{guest_id: g, number: 1}]}]
`,
			want: "disk_size",
		},
		{
			name: "bad topology member",
			yaml: `
host_settings:
  - {id: h, mgmt_addr: localhost}
guest_settings:
  - {id: g, basevm_type: kvm-auto, image_name: ubuntu-20.04, vcpus: 1, memory: 1024}
clone_settings:
  - range_id: r
    hosts:
      - host_id: h
        instance_number: 1
        guests: [{guest_id: g, number: 1}]
        topology:
          - type: custom
            networks: [{name: n, members: [noiface]}]
`,
			want: "members",
		},
		{
			name: "unknown task type",
			yaml: `
host_settings:
  - {id: h, mgmt_addr: localhost}
guest_settings:
  - id: g
    basevm_type: kvm-auto
    image_name: ubuntu-20.04
    vcpus: 1
    memory: 1024
    tasks:
      - frobnicate: [{}]
clone_settings:
  - range_id: r
    hosts: [{host_id: h, instance_number: 1, guests: [{guest_id: g, number: 1}]}]
`,
			want: "frobnicate",
		},
	}

	p := &Parser{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Equal(t, types.ErrConfig, types.KindOf(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLegacyCompatAcceptsUnknownKeys(t *testing.T) {
	doc := `
host_settings:
  - {id: h, mgmt_addr: localhost, legacy_field: x}
guest_settings:
  - {id: g, basevm_type: kvm-auto, image_name: ubuntu-20.04, vcpus: 1, memory: 1024}
clone_settings:
  - range_id: r
    hosts: [{host_id: h, instance_number: 1, guests: [{guest_id: g, number: 1}]}]
`
	strict := &Parser{}
	_, err := strict.Parse([]byte(doc))
	require.Error(t, err)

	legacy := &Parser{LegacyCompat: true}
	_, err = legacy.Parse([]byte(doc))
	require.NoError(t, err)
}

func TestParseForwardingRule(t *testing.T) {
	rule, err := parseForwardingRule("src=office dst=dmz dport=80 proto=udp", "p")
	require.NoError(t, err)
	assert.Equal(t, types.ForwardingRule{
		SrcNetwork: "office", DstNetwork: "dmz", DstPort: "80", Protocol: "udp",
	}, rule)

	_, err = parseForwardingRule("dst=dmz", "p")
	assert.Error(t, err)

	_, err = parseForwardingRule("src=a dst=b nonsense=1", "p")
	assert.Error(t, err)
}

func TestDeriveOSType(t *testing.T) {
	tests := []struct {
		image string
		want  types.OSType
	}{
		{"ubuntu-20.04", types.OSUbuntu20},
		{"ubuntu-22.04", types.OSUbuntu22},
		{"ubuntu-18.04", types.OSUbuntu},
		{"debian-12", types.OSDebian12},
		{"centos-7.8", types.OSCentOS7},
		{"Fedora-39", types.OSFedora},
		{"sles-15", types.OSUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeriveOSType(tt.image), tt.image)
	}
}

func TestValidDiskSize(t *testing.T) {
	assert.True(t, validDiskSize("20G"))
	assert.True(t, validDiskSize("512M"))
	assert.False(t, validDiskSize("G"))
	assert.False(t, validDiskSize("20"))
	assert.False(t, validDiskSize("20GB"))
	assert.False(t, validDiskSize("-1G"))
}

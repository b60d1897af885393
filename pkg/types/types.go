package types

import (
	"fmt"
	"time"
)

// BaseVMType selects the provisioning path for a guest.
type BaseVMType string

const (
	BaseVMKVM     BaseVMType = "kvm"      // clone from an existing base VM XML
	BaseVMKVMAuto BaseVMType = "kvm-auto" // build image, then import
	BaseVMAWS     BaseVMType = "aws"      // EC2-backed guest
)

// OSType is the guest operating system family, derived from the image name
// for kvm-auto guests and declared explicitly for classic kvm guests.
type OSType string

const (
	OSUbuntu       OSType = "ubuntu"
	OSUbuntu20     OSType = "ubuntu_20"
	OSUbuntu22     OSType = "ubuntu_22"
	OSUbuntu24     OSType = "ubuntu_24"
	OSDebian11     OSType = "debian_11"
	OSDebian12     OSType = "debian_12"
	OSCentOS7      OSType = "centos_7"
	OSFedora       OSType = "fedora"
	OSAmazonLinux2 OSType = "amazon_linux_2"
	OSWindows7     OSType = "windows_7"
	OSUnknown      OSType = "unknown"
)

// Resource limits for kvm-auto guests.
const (
	MinVCPUs     = 1
	MaxVCPUs     = 32
	MinMemoryMiB = 256
	MaxMemoryMiB = 32768
)

// Host is a physical or virtual machine that hosts cloned guests.
type Host struct {
	ID                string `yaml:"id" json:"id"`
	MgmtAddr          string `yaml:"mgmt_addr" json:"mgmt_addr"`
	VirtualBridgeAddr string `yaml:"virbr_addr" json:"virbr_addr"`
	Account           string `yaml:"account" json:"account"`
}

// IsLocal reports whether operations against this host run without SSH.
func (h *Host) IsLocal() bool {
	return h.MgmtAddr == "localhost" || h.MgmtAddr == "127.0.0.1"
}

// Guest is a VM template: one entry in guest_settings.
type Guest struct {
	ID         string     `yaml:"id" json:"id"`
	BaseVMType BaseVMType `yaml:"basevm_type" json:"basevm_type"`

	// Classic kvm path.
	BaseVMConfigFile string `yaml:"basevm_config_file,omitempty" json:"basevm_config_file,omitempty"`
	BaseVMHost       string `yaml:"basevm_host,omitempty" json:"basevm_host,omitempty"`
	BaseVMOSType     OSType `yaml:"basevm_os_type,omitempty" json:"basevm_os_type,omitempty"`

	// kvm-auto path.
	ImageName string `yaml:"image_name,omitempty" json:"image_name,omitempty"`
	VCPUs     int    `yaml:"vcpus,omitempty" json:"vcpus,omitempty"`
	MemoryMiB int    `yaml:"memory,omitempty" json:"memory,omitempty"`
	DiskSize  string `yaml:"disk_size,omitempty" json:"disk_size,omitempty"`

	// Optional virt-install overrides.
	Graphics     string `yaml:"graphics,omitempty" json:"graphics,omitempty"` // vnc|spice|sdl|none
	GraphicsPort int    `yaml:"graphics_port,omitempty" json:"graphics_port,omitempty"`
	Listen       string `yaml:"graphics_listen,omitempty" json:"graphics_listen,omitempty"`
	NetworkModel string `yaml:"network_model,omitempty" json:"network_model,omitempty"` // virtio|e1000|rtl8139|ne2k_pci
	OSVariant    string `yaml:"os_variant,omitempty" json:"os_variant,omitempty"`
	CPUModel     string `yaml:"cpu_model,omitempty" json:"cpu_model,omitempty"`
	ConsoleType  string `yaml:"console_type,omitempty" json:"console_type,omitempty"`
	BootOptions  string `yaml:"boot_options,omitempty" json:"boot_options,omitempty"`
	ExtraArgs    string `yaml:"extra_args,omitempty" json:"extra_args,omitempty"`

	// Tasks is parsed by pkg/parser from the per-type YAML task lists.
	Tasks []Task `yaml:"-" json:"tasks,omitempty"`
}

// TaskType enumerates the supported guest customization tasks.
type TaskType string

const (
	TaskAddAccount       TaskType = "add_account"
	TaskModifyAccount    TaskType = "modify_account"
	TaskInstallPackage   TaskType = "install_package"
	TaskCopyContent      TaskType = "copy_content"
	TaskExecuteProgram   TaskType = "execute_program"
	TaskEmulateAttack    TaskType = "emulate_attack"
	TaskEmulateMalware   TaskType = "emulate_malware"
	TaskEmulateTraffic   TaskType = "emulate_traffic_capture_file"
	TaskFirewallRules    TaskType = "firewall_rules"
)

// BuildTimeTypes are the tasks the image builder can execute inside the
// image before first boot.
var BuildTimeTypes = map[TaskType]bool{
	TaskAddAccount:    true,
	TaskModifyAccount: true,
}

// Task is one entry of a guest's ordered task list. Exactly the fields
// relevant to its Type are populated; the parser enforces this.
type Task struct {
	ID   string   `yaml:"-" json:"id"`
	Type TaskType `yaml:"-" json:"type"`

	// add_account / modify_account
	Account    string `yaml:"account,omitempty" json:"account,omitempty"`
	Passwd     string `yaml:"passwd,omitempty" json:"passwd,omitempty"`
	NewPasswd  string `yaml:"new_passwd,omitempty" json:"new_passwd,omitempty"`
	NewAccount string `yaml:"new_account,omitempty" json:"new_account,omitempty"`
	FullName   string `yaml:"full_name,omitempty" json:"full_name,omitempty"`
	Groups     string `yaml:"groups,omitempty" json:"groups,omitempty"`
	Sudo       bool   `yaml:"sudo,omitempty" json:"sudo,omitempty"`

	// install_package
	PackageManager string `yaml:"package_manager,omitempty" json:"package_manager,omitempty"`
	Name           string `yaml:"name,omitempty" json:"name,omitempty"`
	Version        string `yaml:"version,omitempty" json:"version,omitempty"`

	// copy_content
	Src      string `yaml:"src,omitempty" json:"src,omitempty"`
	Dst      string `yaml:"dst,omitempty" json:"dst,omitempty"`
	Checksum string `yaml:"checksum,omitempty" json:"checksum,omitempty"`

	// execute_program
	Program      string `yaml:"program,omitempty" json:"program,omitempty"`
	Interpreter  string `yaml:"interpreter,omitempty" json:"interpreter,omitempty"`
	Args         string `yaml:"args,omitempty" json:"args,omitempty"`
	ExecuteAs    string `yaml:"execute_as,omitempty" json:"execute_as,omitempty"`
	OutputMatch  string `yaml:"output_match,omitempty" json:"output_match,omitempty"`

	// emulate_attack
	AttackType string `yaml:"attack_type,omitempty" json:"attack_type,omitempty"`
	Target     string `yaml:"target,omitempty" json:"target,omitempty"`
	Attempts   int    `yaml:"attempt_number,omitempty" json:"attempt_number,omitempty"`

	// emulate_malware
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"` // dummy_calculation|port_listening

	// emulate_traffic_capture_file
	PcapFile  string `yaml:"pcap_file,omitempty" json:"pcap_file,omitempty"`
	Interface string `yaml:"interface,omitempty" json:"interface,omitempty"`

	// firewall_rules
	RuleFile string `yaml:"rule,omitempty" json:"rule,omitempty"`

	// Scheduling modifiers.
	Fatal       bool `yaml:"fatal,omitempty" json:"fatal,omitempty"`
	AlsoRuntime bool `yaml:"also_runtime,omitempty" json:"also_runtime,omitempty"`
}

// BuildTime reports whether this task can run inside the image builder's
// customize step instead of post-boot.
func (t *Task) BuildTime() bool {
	return BuildTimeTypes[t.Type]
}

// Network is one declared range-local network.
type Network struct {
	Name    string   `yaml:"name" json:"name"`
	Subnet  string   `yaml:"subnet,omitempty" json:"subnet,omitempty"` // CIDR; allocated when empty
	Members []string `yaml:"members" json:"members"`                   // guest_id.iface
}

// ForwardingRule is a declared layer-3 policy between two networks.
type ForwardingRule struct {
	SrcNetwork string `json:"src_network"`
	DstNetwork string `json:"dst_network"`
	SrcPort    string `json:"sport,omitempty"`
	DstPort    string `json:"dport,omitempty"`
	Protocol   string `json:"protocol,omitempty"` // default tcp
}

// Topology is the declared set of networks plus forwarding rules.
type Topology struct {
	Type            string           `yaml:"type" json:"type"` // custom
	Networks        []Network        `yaml:"networks" json:"networks"`
	ForwardingRules []ForwardingRule `yaml:"-" json:"forwarding_rules,omitempty"`
}

// GuestClone declares how many instances of a guest run on a host.
type GuestClone struct {
	GuestID    string `yaml:"guest_id" json:"guest_id"`
	Number     int    `yaml:"number" json:"number"`
	EntryPoint bool   `yaml:"entry_point,omitempty" json:"entry_point,omitempty"`
}

// HostClone binds guests and topology to one host.
type HostClone struct {
	HostID         string       `yaml:"host_id" json:"host_id"`
	InstanceNumber int          `yaml:"instance_number" json:"instance_number"`
	Guests         []GuestClone `yaml:"guests" json:"guests"`
	Topology       []Topology   `yaml:"topology" json:"topology"`
}

// CloneSetting is one entry of clone_settings: the range to instantiate.
type CloneSetting struct {
	RangeID string      `yaml:"range_id" json:"range_id"`
	Hosts   []HostClone `yaml:"hosts" json:"hosts"`
}

// RangeDescription is a fully parsed range description file.
type RangeDescription struct {
	Hosts  []Host         `json:"host_settings"`
	Guests []Guest        `json:"guest_settings"`
	Clones []CloneSetting `json:"clone_settings"`
}

// GuestByID returns the guest template with the given id.
func (d *RangeDescription) GuestByID(id string) (*Guest, bool) {
	for i := range d.Guests {
		if d.Guests[i].ID == id {
			return &d.Guests[i], true
		}
	}
	return nil, false
}

// HostByID returns the host with the given id.
func (d *RangeDescription) HostByID(id string) (*Host, bool) {
	for i := range d.Hosts {
		if d.Hosts[i].ID == id {
			return &d.Hosts[i], true
		}
	}
	return nil, false
}

// ClonedGuest is a concrete VM instance derived from a Guest for a range.
type ClonedGuest struct {
	Name       string     `json:"name"` // cyris-<guest_id>-<uuid12>
	GuestID    string     `json:"guest_id"`
	RangeID    string     `json:"range_id"`
	HostID     string     `json:"host_id"`
	IP         string     `json:"ip,omitempty"`
	MAC        string     `json:"mac,omitempty"`
	Disk       string     `json:"disk"` // overlay path
	BaseImage  string     `json:"base_image"`
	EntryPoint bool       `json:"entry_point"`
	OSType     OSType     `json:"os_type"`
	BaseVMType BaseVMType `json:"basevm_type"`
}

// RangeStatus is the strict range lifecycle.
type RangeStatus string

const (
	StatusCreating   RangeStatus = "creating"
	StatusActive     RangeStatus = "active"
	StatusStopping   RangeStatus = "stopping"
	StatusStopped    RangeStatus = "stopped"
	StatusDestroying RangeStatus = "destroying"
	StatusDestroyed  RangeStatus = "destroyed"
	StatusRemoved    RangeStatus = "removed"
	StatusError      RangeStatus = "error"
)

// transitions lists the legal status moves. Error is reachable from every
// transient state; Removed is entered only from Destroyed (or by force).
var transitions = map[RangeStatus][]RangeStatus{
	StatusCreating:   {StatusActive, StatusDestroying, StatusError},
	StatusActive:     {StatusStopping, StatusDestroying, StatusError},
	StatusStopping:   {StatusStopped, StatusError},
	StatusStopped:    {StatusDestroying, StatusError},
	StatusDestroying: {StatusDestroyed, StatusError},
	StatusDestroyed:  {StatusRemoved},
	StatusError:      {StatusDestroying, StatusRemoved},
}

// CanTransition reports whether moving from s to next is legal.
func (s RangeStatus) CanTransition(next RangeStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further lifecycle work is possible.
func (s RangeStatus) Terminal() bool {
	return s == StatusRemoved
}

// RangeMetadata is the persisted identity of a range.
type RangeMetadata struct {
	RangeID        string            `json:"range_id"`
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	Status         RangeStatus       `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	LastModified   time.Time         `json:"last_modified"`
	Owner          string            `json:"owner,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	IPAssignments  map[string]string `json:"ip_assignments,omitempty"` // vm name -> ip
	ConfigPath     string            `json:"config_path,omitempty"`
	LogsPath       string            `json:"logs_path,omitempty"`
	ProviderConfig map[string]string `json:"provider_config,omitempty"`
}

// OperationKind classifies a recorded side-effect.
type OperationKind string

const (
	OpShell      OperationKind = "shell"
	OpSSH        OperationKind = "ssh"
	OpHypervisor OperationKind = "hypervisor"
	OpFile       OperationKind = "file"
	OpBuilder    OperationKind = "builder"
)

// OperationRecord is one entry of the append-only operation ledger.
type OperationRecord struct {
	Seq        uint64        `json:"seq"`
	Timestamp  time.Time     `json:"timestamp"`
	Kind       OperationKind `json:"kind"`
	Command    string        `json:"command"` // redacted
	RangeID    string        `json:"range_id,omitempty"`
	GuestID    string        `json:"guest_id,omitempty"`
	Phase      string        `json:"phase,omitempty"`
	ExitCode   int           `json:"exit_code"`
	Elapsed    time.Duration `json:"elapsed"`
	StdoutTail string        `json:"stdout_tail,omitempty"`
	StderrTail string        `json:"stderr_tail,omitempty"`
	Ignored    bool          `json:"ignored,omitempty"` // caller declared ignore_errors
}

// TaskResult records the outcome of one guest task.
type TaskResult struct {
	TaskID             string        `json:"task_id"`
	TaskType           TaskType      `json:"task_type"`
	VMName             string        `json:"vm_name"`
	VMIP               string        `json:"vm_ip,omitempty"`
	Success            bool          `json:"success"`
	Skipped            bool          `json:"skipped,omitempty"`
	Message            string        `json:"message,omitempty"`
	Elapsed            time.Duration `json:"elapsed"`
	Output             string        `json:"output,omitempty"`
	Error              string        `json:"error,omitempty"`
	Evidence           string        `json:"evidence,omitempty"`
	VerificationPassed bool          `json:"verification_passed"`
	Timestamp          time.Time     `json:"timestamp"`
}

// ResourceKind classifies a tracked resource for cleanup.
type ResourceKind string

const (
	ResDomain  ResourceKind = "domain"
	ResOverlay ResourceKind = "overlay"
	ResBridge  ResourceKind = "bridge"
	ResISO     ResourceKind = "iso"
	ResIPLease ResourceKind = "ip_lease"
	ResRule    ResourceKind = "fw_rule"
	ResImage   ResourceKind = "base_image"
)

// Resource is one created artifact recorded for teardown.
type Resource struct {
	Kind      ResourceKind `json:"kind"`
	Name      string       `json:"name"`           // domain/bridge name, file path, or rule handle
	Host      string       `json:"host,omitempty"` // owning host id
	CreatedAt time.Time    `json:"created_at"`
}

// RangeResources is the per-range resource inventory.
type RangeResources struct {
	RangeID   string     `json:"range_id"`
	Resources []Resource `json:"resources"`
}

// CloneName builds the canonical cloned-guest name from a guest id and a
// 12-hex-digit unique suffix.
func CloneName(guestID, suffix string) string {
	return fmt.Sprintf("cyris-%s-%s", guestID, suffix)
}

// BridgeName builds the canonical per-range bridge name.
func BridgeName(rangeID, network string) string {
	return fmt.Sprintf("cr-br-%s-%s", rangeID, network)
}

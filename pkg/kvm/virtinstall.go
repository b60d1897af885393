package kvm

import (
	"context"
	"fmt"

	"github.com/kballard/go-shellquote"

	"github.com/cyris-project/cyris/pkg/registry"
	"github.com/cyris-project/cyris/pkg/types"
)

// ImportSpec describes one virt-install invocation for the kvm-auto
// path: the disk already carries a bootable OS, so the domain is always
// imported, never installed.
type ImportSpec struct {
	Name     string
	Guest    *types.Guest
	Overlay  string
	Networks []string // libvirt network names, one interface each
	ISOPath  string   // optional cloud-init seed
}

// VirtInstallArgs synthesizes the virt-install command line. Flag order
// is deterministic so two identical specs render identical commands:
// name, memory, vcpus, disk(s), os-variant, network, graphics, cpu,
// console, boot, extra args, then --import and --noautoconsole.
func VirtInstallArgs(spec ImportSpec) []string {
	g := spec.Guest
	argv := []string{
		"virt-install",
		"--name", spec.Name,
		"--memory", fmt.Sprintf("%d", g.MemoryMiB),
		"--vcpus", fmt.Sprintf("%d", g.VCPUs),
		"--disk", fmt.Sprintf("path=%s,format=qcow2,bus=virtio", spec.Overlay),
	}

	if spec.ISOPath != "" {
		argv = append(argv, "--disk", fmt.Sprintf("path=%s,device=cdrom", spec.ISOPath))
	}

	if g.OSVariant != "" {
		argv = append(argv, "--os-variant", g.OSVariant)
	}

	for _, name := range spec.Networks {
		network := fmt.Sprintf("network=%s", name)
		if g.NetworkModel != "" {
			network += ",model=" + g.NetworkModel
		}
		argv = append(argv, "--network", network)
	}

	argv = append(argv, "--graphics", graphicsArg(g))

	if g.CPUModel != "" {
		argv = append(argv, "--cpu", g.CPUModel)
	}
	if g.ConsoleType != "" {
		argv = append(argv, "--console", g.ConsoleType)
	}
	if g.BootOptions != "" {
		argv = append(argv, "--boot", g.BootOptions)
	}
	if g.ExtraArgs != "" {
		if extra, err := shellquote.Split(g.ExtraArgs); err == nil {
			argv = append(argv, extra...)
		}
	}

	// Disk carries an installed OS; never boot installer media, never
	// block on a console.
	argv = append(argv, "--import", "--noautoconsole")
	return argv
}

func graphicsArg(g *types.Guest) string {
	if g.Graphics == "" || g.Graphics == "none" {
		if g.Graphics == "none" {
			return "none"
		}
		return "vnc"
	}
	out := g.Graphics
	if g.GraphicsPort != 0 {
		out += fmt.Sprintf(",port=%d", g.GraphicsPort)
	}
	if g.Listen != "" {
		out += ",listen=" + g.Listen
	}
	return out
}

// Import defines and boots a kvm-auto guest with virt-install. The
// command and its result land in the ledger; builder-level elevation is
// not needed because the overlay is owned by the invoking user and
// libvirt brokers the privileged pieces.
func (a *Adapter) Import(ctx context.Context, spec ImportSpec) error {
	_, err := a.reg.Run(ctx, registry.Command{
		Kind:    types.OpHypervisor,
		Argv:    VirtInstallArgs(spec),
		RangeID: rangeIDFrom(ctx),
		GuestID: spec.Guest.ID,
		Phase:   phaseFrom(ctx),
	})
	if err != nil {
		return types.NewError(types.ErrHypervisor, "virt-install "+spec.Name, err)
	}
	return nil
}

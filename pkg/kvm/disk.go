package kvm

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cyris-project/cyris/pkg/registry"
	"github.com/cyris-project/cyris/pkg/types"
)

// CloneDisk creates a qcow2 overlay whose backing file is the built or
// base image. Overlays live under cyber_range/<range_id>/disks/; the
// backing image itself is never written.
func (a *Adapter) CloneDisk(ctx context.Context, backing, overlay, size string) error {
	argv := []string{
		"qemu-img", "create",
		"-f", "qcow2",
		"-F", "qcow2",
		"-b", backing,
		overlay,
	}
	if size != "" {
		argv = append(argv, size)
	}
	_, err := a.reg.Run(ctx, registry.Command{
		Kind:    types.OpHypervisor,
		Argv:    argv,
		RangeID: rangeIDFrom(ctx),
		Phase:   phaseFrom(ctx),
	})
	if err != nil {
		return types.NewError(types.ErrHypervisor, "clone disk", err)
	}
	return nil
}

// AttachISO attaches a cloud-init seed ISO to the domain as a cdrom.
func (a *Adapter) AttachISO(ctx context.Context, domain, isoPath string) error {
	deviceXML := fmt.Sprintf(
		"<disk type='file' device='cdrom'>\n"+
			"  <driver name='qemu' type='raw'/>\n"+
			"  <source file='%s'/>\n"+
			"  <target dev='sda' bus='sata'/>\n"+
			"  <readonly/>\n"+
			"</disk>", isoPath)
	return a.record(ctx, "attach iso "+filepath.Base(isoPath), func(c *Conn) error {
		dom, err := c.DomainLookupByName(domain)
		if err != nil {
			return err
		}
		return c.DomainAttachDevice(dom, deviceXML)
	})
}

// BuildSeedISO packs a NoCloud seed directory (user-data, meta-data)
// into an ISO with the cidata volume id cloud-init expects.
func (a *Adapter) BuildSeedISO(ctx context.Context, isoPath, seedDir string) error {
	_, err := a.reg.Run(ctx, registry.Command{
		Kind: types.OpHypervisor,
		Argv: []string{
			"genisoimage", "-output", isoPath,
			"-volid", "cidata", "-joliet", "-rock",
			filepath.Join(seedDir, "user-data"),
			filepath.Join(seedDir, "meta-data"),
		},
		RangeID: rangeIDFrom(ctx),
		Phase:   phaseFrom(ctx),
	})
	if err != nil {
		return types.NewError(types.ErrHypervisor, "build seed iso", err)
	}
	return nil
}

// DiskInfo is the subset of qemu-img info used for health probes and the
// backing-chain invariant.
type DiskInfo struct {
	VirtualSize int64  `json:"virtual-size"`
	ActualSize  int64  `json:"actual-size"`
	Format      string `json:"format"`
	BackingFile string `json:"backing-filename"`
	Corrupt     bool   `json:"corrupt"`
}

// DiskHealth inspects a qcow2 image. The probe always passes
// --force-share: the image may be open by a running guest and the query
// must not take the write lock.
func (a *Adapter) DiskHealth(ctx context.Context, path string) (*DiskInfo, error) {
	out, err := a.reg.Run(ctx, registry.Command{
		Kind:         types.OpHypervisor,
		Argv:         []string{"qemu-img", "info", "--force-share", "--output=json", path},
		RangeID:      rangeIDFrom(ctx),
		Phase:        phaseFrom(ctx),
		IgnoreErrors: true,
	})
	if err != nil {
		return nil, types.NewError(types.ErrHypervisor, "disk info", err)
	}
	var info DiskInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return nil, types.NewError(types.ErrHypervisor, "parse disk info", err)
	}
	return &info, nil
}

package kvm

import (
	"encoding/xml"
	"fmt"

	"github.com/cyris-project/cyris/pkg/types"
)

// Domain XML structures for the classic clone-from-XML path. Only the
// elements CyRIS manipulates are modeled; everything else in a user's
// base VM definition passes through untouched via RewriteDomainXML.

type domainDef struct {
	XMLName xml.Name   `xml:"domain"`
	Type    string     `xml:"type,attr"`
	Name    string     `xml:"name"`
	Memory  memoryDef  `xml:"memory"`
	VCPU    int        `xml:"vcpu"`
	OS      osDef      `xml:"os"`
	Devices devicesDef `xml:"devices"`
}

type memoryDef struct {
	Unit  string `xml:"unit,attr"`
	Value int    `xml:",chardata"`
}

type osDef struct {
	Type osTypeDef `xml:"type"`
}

type osTypeDef struct {
	Arch  string `xml:"arch,attr,omitempty"`
	Value string `xml:",chardata"`
}

type devicesDef struct {
	Emulator   string         `xml:"emulator,omitempty"`
	Disks      []diskDef      `xml:"disk"`
	Interfaces []interfaceDef `xml:"interface"`
	Graphics   *graphicsDef   `xml:"graphics,omitempty"`
	Consoles   []consoleDef   `xml:"console"`
}

type diskDef struct {
	Type    string         `xml:"type,attr"`
	Device  string         `xml:"device,attr"`
	Driver  *diskDriverDef `xml:"driver,omitempty"`
	Source  *diskSourceDef `xml:"source,omitempty"`
	Target  diskTargetDef  `xml:"target"`
	Backing *backingDef    `xml:"backingStore,omitempty"`
}

type diskDriverDef struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

type diskSourceDef struct {
	File string `xml:"file,attr"`
}

type diskTargetDef struct {
	Dev string `xml:"dev,attr"`
	Bus string `xml:"bus,attr"`
}

type backingDef struct {
	Type   string         `xml:"type,attr"`
	Format *formatDef     `xml:"format,omitempty"`
	Source *diskSourceDef `xml:"source,omitempty"`
}

type formatDef struct {
	Type string `xml:"type,attr"`
}

type interfaceDef struct {
	Type   string       `xml:"type,attr"`
	MAC    *macDef      `xml:"mac,omitempty"`
	Source *ifSourceDef `xml:"source,omitempty"`
	Model  *ifModelDef  `xml:"model,omitempty"`
}

type macDef struct {
	Address string `xml:"address,attr"`
}

type ifSourceDef struct {
	Bridge string `xml:"bridge,attr"`
}

type ifModelDef struct {
	Type string `xml:"type,attr"`
}

type graphicsDef struct {
	Type     string `xml:"type,attr"`
	Port     string `xml:"port,attr,omitempty"`
	Autoport string `xml:"autoport,attr,omitempty"`
	Listen   string `xml:"listen,attr,omitempty"`
}

type consoleDef struct {
	Type string `xml:"type,attr"`
}

// CloneSpec carries everything needed to render a cloned guest's domain
// definition.
type CloneSpec struct {
	Name      string
	MemoryMiB int
	VCPUs     int
	Overlay   string
	Backing   string
	Bridges   []string // one interface per bridge, declaration order
	MACs      []string // parallel to Bridges; generated when empty
	NetModel  string   // defaults to virtio
	Graphics  string   // defaults to vnc with autoport
}

// RenderDomainXML produces the libvirt definition for a cloned guest.
func RenderDomainXML(spec CloneSpec) (string, error) {
	if spec.Name == "" || spec.Overlay == "" {
		return "", types.NewError(types.ErrHypervisor, "render domain",
			fmt.Errorf("clone spec missing name or overlay"))
	}
	model := spec.NetModel
	if model == "" {
		model = "virtio"
	}

	def := domainDef{
		Type:   "kvm",
		Name:   spec.Name,
		Memory: memoryDef{Unit: "MiB", Value: spec.MemoryMiB},
		VCPU:   spec.VCPUs,
		OS:     osDef{Type: osTypeDef{Arch: "x86_64", Value: "hvm"}},
		Devices: devicesDef{
			Disks: []diskDef{{
				Type:   "file",
				Device: "disk",
				Driver: &diskDriverDef{Name: "qemu", Type: "qcow2"},
				Source: &diskSourceDef{File: spec.Overlay},
				Target: diskTargetDef{Dev: "vda", Bus: "virtio"},
				Backing: &backingDef{
					Type:   "file",
					Format: &formatDef{Type: "qcow2"},
					Source: &diskSourceDef{File: spec.Backing},
				},
			}},
			Graphics: &graphicsDef{Type: defaultString(spec.Graphics, "vnc"), Autoport: "yes"},
			Consoles: []consoleDef{{Type: "pty"}},
		},
	}

	for i, bridge := range spec.Bridges {
		iface := interfaceDef{
			Type:   "bridge",
			Source: &ifSourceDef{Bridge: bridge},
			Model:  &ifModelDef{Type: model},
		}
		if i < len(spec.MACs) && spec.MACs[i] != "" {
			iface.MAC = &macDef{Address: spec.MACs[i]}
		}
		def.Devices.Interfaces = append(def.Devices.Interfaces, iface)
	}

	out, err := xml.MarshalIndent(def, "", "  ")
	if err != nil {
		return "", types.NewError(types.ErrHypervisor, "marshal domain xml", err)
	}
	return string(out), nil
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// macsFromDomainXML extracts interface MAC addresses from a live domain
// definition.
func macsFromDomainXML(desc string) ([]string, error) {
	var doc struct {
		Devices struct {
			Interfaces []struct {
				MAC struct {
					Address string `xml:"address,attr"`
				} `xml:"mac"`
			} `xml:"interface"`
		} `xml:"devices"`
	}
	if err := xml.Unmarshal([]byte(desc), &doc); err != nil {
		return nil, types.NewError(types.ErrHypervisor, "parse domain xml", err)
	}
	var macs []string
	for _, iface := range doc.Devices.Interfaces {
		if iface.MAC.Address != "" {
			macs = append(macs, iface.MAC.Address)
		}
	}
	return macs, nil
}

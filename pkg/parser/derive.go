package parser

import (
	"strings"

	"github.com/cyris-project/cyris/pkg/types"
)

// osPrefixes maps case-insensitive image-name prefixes to OS families.
// Longer prefixes are listed first so they win over their generic form.
var osPrefixes = []struct {
	prefix string
	os     types.OSType
}{
	{"ubuntu-24", types.OSUbuntu24},
	{"ubuntu-22", types.OSUbuntu22},
	{"ubuntu-20", types.OSUbuntu20},
	{"ubuntu", types.OSUbuntu},
	{"debian-12", types.OSDebian12},
	{"debian-11", types.OSDebian11},
	{"centos-7", types.OSCentOS7},
	{"centosstream", types.OSCentOS7},
	{"fedora", types.OSFedora},
	{"amazonlinux-2", types.OSAmazonLinux2},
	{"windows-7", types.OSWindows7},
}

// DeriveOSType infers the guest OS family from a kvm-auto image name,
// e.g. "ubuntu-20.04" -> ubuntu_20.
func DeriveOSType(imageName string) types.OSType {
	name := strings.ToLower(imageName)
	for _, e := range osPrefixes {
		if strings.HasPrefix(name, e.prefix) {
			return e.os
		}
	}
	return types.OSUnknown
}

// ValidImagePrefix reports whether the image name maps to a known OS
// family; the builder additionally checks the name against the builder
// tool's own image list.
func ValidImagePrefix(imageName string) bool {
	return DeriveOSType(imageName) != types.OSUnknown
}

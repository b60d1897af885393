package kvm

import (
	"context"
	"fmt"
	"sync"

	"github.com/cyris-project/cyris/pkg/types"
)

// Provider is the hypervisor operation set shared by every backend (KVM
// today; an AWS adapter implements the same surface). Guests pick their
// provider by basevm_type.
type Provider interface {
	DefineDomain(ctx context.Context, xml string) (string, error)
	StartDomain(ctx context.Context, name string) error
	ShutdownDomain(ctx context.Context, name string) error
	DestroyDomain(ctx context.Context, name string) error
	UndefineDomain(ctx context.Context, name string) error
	DomainExists(ctx context.Context, name string) (bool, error)
	ListDomains(ctx context.Context, prefix string) ([]string, error)

	CreateNetwork(ctx context.Context, name, bridge, subnet string) error
	DestroyNetwork(ctx context.Context, name string) error
	ListNetworks(ctx context.Context, prefix string) ([]string, error)

	CloneDisk(ctx context.Context, backing, overlay, size string) error
	AttachISO(ctx context.Context, domain, isoPath string) error

	LeaseIPs(ctx context.Context, domain string) (map[string]string, error) // mac -> ip
}

var (
	providersMu sync.RWMutex
	providers   = make(map[types.BaseVMType]Provider)
)

// RegisterProvider makes a provider selectable by guest kind.
func RegisterProvider(kind types.BaseVMType, p Provider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[kind] = p
}

// ProviderFor returns the provider for a guest kind. kvm and kvm-auto
// share the KVM adapter.
func ProviderFor(kind types.BaseVMType) (Provider, error) {
	providersMu.RLock()
	defer providersMu.RUnlock()

	lookup := kind
	if kind == types.BaseVMKVMAuto {
		lookup = types.BaseVMKVM
	}
	p, ok := providers[lookup]
	if !ok {
		return nil, types.NewError(types.ErrEnvironment, "select provider",
			fmt.Errorf("no provider registered for basevm_type %q", kind))
	}
	return p, nil
}

package kvm

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"

	"github.com/cyris-project/cyris/pkg/types"
)

// Pool keeps one libvirt connection per URI with reference counting.
// Connections are dialed lazily on first acquire and closed when the last
// reference is released.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	lv   *libvirt.Libvirt
	refs int
}

// Conn is a borrowed connection; callers must Release it.
type Conn struct {
	*libvirt.Libvirt
	uri  string
	pool *Pool
}

// NewPool creates an empty connection pool.
func NewPool() *Pool {
	return &Pool{entries: make(map[string]*poolEntry)}
}

// Acquire returns a connection for the URI, dialing if needed.
func (p *Pool) Acquire(uri string) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[uri]; ok {
		e.refs++
		return &Conn{Libvirt: e.lv, uri: uri, pool: p}, nil
	}

	lv, err := dial(uri)
	if err != nil {
		return nil, types.NewError(types.ErrHypervisor, "connect "+uri, err)
	}
	p.entries[uri] = &poolEntry{lv: lv, refs: 1}
	return &Conn{Libvirt: lv, uri: uri, pool: p}, nil
}

// Release returns the connection to the pool, disconnecting when this was
// the last reference.
func (c *Conn) Release() {
	p := c.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[c.uri]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		e.lv.Disconnect()
		delete(p.entries, c.uri)
	}
}

// Close drops every pooled connection regardless of refcounts.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for uri, e := range p.entries {
		e.lv.Disconnect()
		delete(p.entries, uri)
	}
}

// dial maps a libvirt URI onto a socket dialer. qemu:///system and
// qemu:///session use the local unix socket; qemu+tcp:// dials TCP.
func dial(uri string) (*libvirt.Libvirt, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid libvirt URI: %w", err)
	}

	var lv *libvirt.Libvirt
	switch {
	case u.Host == "":
		lv = libvirt.NewWithDialer(dialers.NewLocal())
	case strings.Contains(u.Scheme, "tcp"):
		port := u.Port()
		if port == "" {
			port = "16509"
		}
		lv = libvirt.NewWithDialer(dialers.NewRemote(u.Hostname(), dialers.UsePort(port)))
	default:
		return nil, fmt.Errorf("unsupported libvirt transport in %q", uri)
	}

	if err := lv.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt: %w", err)
	}
	return lv, nil
}

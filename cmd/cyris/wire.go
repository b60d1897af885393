package main

import (
	"os"
	"path/filepath"

	"github.com/cyris-project/cyris/pkg/builder"
	"github.com/cyris-project/cyris/pkg/cleanup"
	"github.com/cyris-project/cyris/pkg/events"
	"github.com/cyris-project/cyris/pkg/ipresolver"
	"github.com/cyris-project/cyris/pkg/kvm"
	"github.com/cyris-project/cyris/pkg/orchestrator"
	"github.com/cyris-project/cyris/pkg/privilege"
	"github.com/cyris-project/cyris/pkg/progress"
	"github.com/cyris-project/cyris/pkg/registry"
	"github.com/cyris-project/cyris/pkg/sshexec"
	"github.com/cyris-project/cyris/pkg/storage"
	"github.com/cyris-project/cyris/pkg/tasks"
	"github.com/cyris-project/cyris/pkg/topology"
)

// app is the fully wired application, built per command invocation.
type app struct {
	orch     *orchestrator.Orchestrator
	store    storage.Store
	cache    *builder.Cache
	pool     *kvm.Pool
	broker   *events.Broker
	detach   func()
	reporter progress.Reporter
}

// wire assembles the runtime object graph from the loaded config.
func wire() (*app, error) {
	if err := os.MkdirAll(cfg.CyberRangeDir, 0755); err != nil {
		return nil, err
	}
	store, err := storage.NewJSONStore(cfg.CyberRangeDir)
	if err != nil {
		return nil, err
	}
	cache, err := builder.OpenCache(filepath.Join(cfg.CyrisPath, "images"))
	if err != nil {
		return nil, err
	}

	reg := registry.Global()
	reporter := progress.Auto(os.Stdout)
	broker := events.NewBroker()
	broker.Start()
	detach := progress.Attach(reporter, broker)

	pool := kvm.NewPool()
	hv := kvm.NewAdapter(cfg.LibvirtURI, pool, reg)
	priv := privilege.NewSession(reg)
	ssh := sshexec.New(reg, cfg.SSHTimeout, cfg.SSHRetryCount, cfg.SSHRetryDelay)
	firewall := topology.NewFirewall(priv)
	resolver := ipresolver.New(store, hv, reg, cfg.IPCacheTTL)
	runner := tasks.New(ssh)
	cleaner := cleanup.New(store, hv, firewall, priv, reg)
	bld := builder.New(cache, priv, reg, ssh, reporter)

	orch := orchestrator.New(orchestrator.Deps{
		Config:   cfg,
		Store:    store,
		HV:       hv,
		Priv:     priv,
		Builder:  bld,
		Firewall: firewall,
		Resolver: resolver,
		Runner:   runner,
		Cleaner:  cleaner,
		SSH:      ssh,
		Registry: reg,
		Reporter: reporter,
		Broker:   broker,
	})

	return &app{
		orch:     orch,
		store:    store,
		cache:    cache,
		pool:     pool,
		broker:   broker,
		detach:   detach,
		reporter: reporter,
	}, nil
}

// close releases pooled connections and the cache index.
func (a *app) close() {
	a.detach()
	a.broker.Stop()
	a.pool.Close()
	a.cache.Close()
}

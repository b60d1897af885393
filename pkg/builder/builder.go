package builder

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cyris-project/cyris/pkg/log"
	"github.com/cyris-project/cyris/pkg/metrics"
	"github.com/cyris-project/cyris/pkg/privilege"
	"github.com/cyris-project/cyris/pkg/progress"
	"github.com/cyris-project/cyris/pkg/registry"
	"github.com/cyris-project/cyris/pkg/sshexec"
	"github.com/cyris-project/cyris/pkg/types"
)

// Builder produces base images for kvm-auto guests: build with
// virt-builder, customize with virt-customize, then distribute to the
// hosts that will clone from them.
//
// Builds for distinct keys are serialized (one virt-builder at a time on
// the cache and the privileged tool); distribution is parallel.
type Builder struct {
	cache    *Cache
	priv     *privilege.Session
	reg      *registry.Registry
	ssh      *sshexec.Executor
	reporter progress.Reporter
	logger   zerolog.Logger

	buildMu sync.Mutex

	// listImages is a test seam over `virt-builder --list`.
	listImages func(ctx context.Context) ([]string, error)
}

// New creates a builder.
func New(cache *Cache, priv *privilege.Session, reg *registry.Registry,
	ssh *sshexec.Executor, reporter progress.Reporter) *Builder {
	b := &Builder{
		cache:    cache,
		priv:     priv,
		reg:      reg,
		ssh:      ssh,
		reporter: reporter,
		logger:   log.WithComponent("builder"),
	}
	b.listImages = b.virtBuilderList
	return b
}

// ValidateImageName checks the name against the builder tool's own image
// list before any long-running step.
func (b *Builder) ValidateImageName(ctx context.Context, imageName string) error {
	names, err := b.listImages(ctx)
	if err != nil {
		return types.NewError(types.ErrEnvironment, "list builder images", err)
	}
	for _, n := range names {
		if n == imageName {
			return nil
		}
	}
	return types.ConfigError("image_name", "unknown image %q (not in builder image list)", imageName)
}

func (b *Builder) virtBuilderList(ctx context.Context) ([]string, error) {
	out, err := b.reg.Run(ctx, registry.Command{
		Kind: types.OpBuilder,
		Argv: []string{"virt-builder", "--list", "--list-format", "short"},
	})
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// Build returns the image path for key, building and customizing it on a
// cache miss. Builder output streams live through the ledger and the
// progress reporter.
func (b *Builder) Build(ctx context.Context, rangeID string, key BuildKey) (string, error) {
	b.buildMu.Lock()
	defer b.buildMu.Unlock()

	if path, ok := b.cache.Lookup(key); ok {
		metrics.ImageCacheHits.Inc()
		b.logger.Info().Str("image", key.ImageName).Str("path", path).Msg("image cache hit")
		return path, nil
	}

	path := b.cache.ImagePath(key)
	b.reporter.Step(fmt.Sprintf("building base image %s", key.ImageName))

	argv := []string{
		"virt-builder", key.ImageName,
		"--output", path,
		"--format", "qcow2",
	}
	if key.DiskSize != "" {
		argv = append(argv, "--size", key.DiskSize)
	}

	if _, err := b.priv.Run(ctx, registry.Command{
		Kind:    types.OpBuilder,
		Argv:    argv,
		RangeID: rangeID,
		Phase:   "base image build",
		Stream:  func(line string) { b.logger.Debug().Str("tool", "virt-builder").Msg(line) },
	}); err != nil {
		return "", types.NewError(types.ErrEnvironment, "virt-builder "+key.ImageName, err)
	}
	metrics.ImageBuildsTotal.Inc()

	if len(key.Tasks) > 0 {
		if err := b.customize(ctx, rangeID, path, key.Tasks); err != nil {
			return "", err
		}
	}

	if err := b.cache.Store(key, path); err != nil {
		return "", types.NewError(types.ErrResource, "index built image", err)
	}
	return path, nil
}

// customize applies build-time account tasks inside the image with
// virt-customize: faster than post-boot execution and immune to boot
// races.
func (b *Builder) customize(ctx context.Context, rangeID, path string, tasks []types.Task) error {
	argv := []string{"virt-customize", "-a", path}
	for _, t := range tasks {
		switch t.Type {
		case types.TaskAddAccount:
			cmd := fmt.Sprintf("useradd -m -s /bin/bash %s", t.Account)
			if t.Groups != "" {
				cmd += " -G " + t.Groups
			}
			argv = append(argv, "--run-command", cmd)
			argv = append(argv, "--password", fmt.Sprintf("%s:password:%s", t.Account, t.Passwd))
			if t.Sudo {
				argv = append(argv, "--run-command",
					fmt.Sprintf("usermod -aG sudo %s || usermod -aG wheel %s", t.Account, t.Account))
			}
		case types.TaskModifyAccount:
			if t.NewPasswd != "" {
				argv = append(argv, "--password", fmt.Sprintf("%s:password:%s", t.Account, t.NewPasswd))
			}
			if t.NewAccount != "" {
				argv = append(argv, "--run-command",
					fmt.Sprintf("usermod -l %s -d /home/%s -m %s", t.NewAccount, t.NewAccount, t.Account))
			}
		}
	}

	if _, err := b.priv.Run(ctx, registry.Command{
		Kind:    types.OpBuilder,
		Argv:    argv,
		RangeID: rangeID,
		Phase:   "image customize",
	}); err != nil {
		return types.NewError(types.ErrEnvironment, "virt-customize", err)
	}
	return nil
}

// Distribute copies a built image to every remote destination host, at
// most concurrency transfers in flight. Local hosts are skipped.
func (b *Builder) Distribute(ctx context.Context, imagePath string, targets []sshexec.Target, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 4
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			b.reporter.Step(fmt.Sprintf("distributing %s to %s", imagePath, t.Host))
			return b.ssh.Put(ctx, t, imagePath, imagePath)
		})
	}
	return g.Wait()
}

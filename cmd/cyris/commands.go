package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cyris-project/cyris/pkg/config"
	"github.com/cyris-project/cyris/pkg/parser"
	"github.com/cyris-project/cyris/pkg/types"
)

var (
	flagLegacy        bool
	flagStatusVerbose bool
	flagCheckEnv      bool
)

func init() {
	createCmd.Flags().BoolVar(&flagLegacy, "legacy", false, "accept legacy description keys")
	validateCmd.Flags().BoolVar(&flagLegacy, "legacy", false, "accept legacy description keys")
	validateCmd.Flags().BoolVar(&flagCheckEnv, "check-env", false, "also verify required host tools")
	statusCmd.Flags().BoolVar(&flagStatusVerbose, "verbose-disks", false, "probe overlay disk health")
}

// signalContext is cancelled on SIGINT/SIGTERM so a half-built range
// still rolls back.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var createCmd = &cobra.Command{
	Use:   "create <description.yml>",
	Short: "Create a cyber range from a description file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := &parser.Parser{LegacyCompat: flagLegacy}
		desc, err := p.ParseFile(args[0])
		if err != nil {
			return err
		}
		a, err := wire()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := signalContext()
		defer cancel()
		return a.orch.Create(ctx, desc, args[0])
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known ranges",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := wire()
		if err != nil {
			return err
		}
		defer a.close()

		ranges, err := a.orch.List()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RANGE ID\tSTATUS\tCREATED\tGUESTS")
		for _, md := range ranges {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
				md.RangeID, md.Status,
				md.CreatedAt.Format("2006-01-02 15:04:05"),
				len(md.IPAssignments))
		}
		return w.Flush()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <range-id>",
	Short: "Show live status of a range",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := wire()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := signalContext()
		defer cancel()
		report, err := a.orch.Status(ctx, args[0], flagStatusVerbose)
		if err != nil {
			return err
		}

		md := report.Metadata
		fmt.Printf("Range:    %s\n", md.RangeID)
		fmt.Printf("Status:   %s\n", md.Status)
		fmt.Printf("Created:  %s\n", md.CreatedAt.Format("2006-01-02 15:04:05"))
		if report.Failures > 0 {
			fmt.Printf("Failures: %d recorded operation(s), see %s\n", report.Failures, md.LogsPath)
		}
		if len(report.Guests) > 0 {
			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			if flagStatusVerbose {
				fmt.Fprintln(w, "GUEST\tIP\tRUNNING\tSSH\tDISK")
			} else {
				fmt.Fprintln(w, "GUEST\tIP\tRUNNING")
			}
			for _, g := range report.Guests {
				if !flagStatusVerbose {
					fmt.Fprintf(w, "%s\t%s\t%v\n", g.Name, orDash(g.IP), g.Running)
					continue
				}
				disk := "-"
				if g.Disk != nil {
					disk = fmt.Sprintf("%s %dB", g.Disk.Format, g.Disk.ActualSize)
					if g.Disk.Corrupt {
						disk += " CORRUPT"
					}
				}
				ssh := "no"
				if g.SSHReachable {
					ssh = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", g.Name, orDash(g.IP), g.Running, ssh, disk)
			}
			w.Flush()
		}
		return nil
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <range-id>",
	Short: "Tear down a range's guests, networks and rules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := wire()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := signalContext()
		defer cancel()
		if err := a.orch.Destroy(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Range %s destroyed\n", args[0])
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <range-id>",
	Short: "Forget a destroyed range's metadata and logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := wire()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := signalContext()
		defer cancel()
		if err := a.orch.Remove(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Range %s removed\n", args[0])
		return nil
	},
}

// requiredTools must resolve on PATH for range creation to work, with an
// install hint per tool.
var requiredTools = []struct{ name, hint string }{
	{"qemu-img", "install qemu-utils"},
	{"virt-install", "install virtinst"},
	{"virt-builder", "install libguestfs-tools"},
	{"virt-customize", "install libguestfs-tools"},
	{"iptables", "install iptables"},
}

const libvirtSocket = "/var/run/libvirt/libvirt-sock"

// checkEnvironment collects every host-side problem instead of stopping
// at the first, so one run gives the full fix list.
func checkEnvironment() []string {
	var problems []string
	for _, tool := range requiredTools {
		if _, err := exec.LookPath(tool.name); err != nil {
			problems = append(problems, fmt.Sprintf("%s not found on PATH (%s)", tool.name, tool.hint))
		}
	}
	// Either ISO tool serves seed generation.
	if _, err := exec.LookPath("genisoimage"); err != nil {
		if _, err := exec.LookPath("mkisofs"); err != nil {
			problems = append(problems, "genisoimage or mkisofs not found on PATH (install genisoimage)")
		}
	}
	if _, err := os.Stat("/dev/kvm"); err != nil {
		problems = append(problems, "/dev/kvm not available (enable virtualization, load the kvm module)")
	}
	if _, err := os.Stat(libvirtSocket); err != nil {
		problems = append(problems, libvirtSocket+" not available (start libvirtd)")
	}
	if err := os.MkdirAll(cfg.CyberRangeDir, 0755); err != nil {
		problems = append(problems, fmt.Sprintf("cyber range dir %s not writable: %v", cfg.CyberRangeDir, err))
	} else if probe, err := os.CreateTemp(cfg.CyberRangeDir, ".probe-*"); err != nil {
		problems = append(problems, fmt.Sprintf("cyber range dir %s not writable: %v", cfg.CyberRangeDir, err))
	} else {
		probe.Close()
		os.Remove(probe.Name())
	}
	return problems
}

var validateCmd = &cobra.Command{
	Use:   "validate <description.yml>",
	Short: "Validate a range description without creating anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := &parser.Parser{LegacyCompat: flagLegacy}
		desc, err := p.ParseFile(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: OK (%d host(s), %d guest template(s), %d range(s))\n",
			args[0], len(desc.Hosts), len(desc.Guests), len(desc.Clones))

		if flagCheckEnv {
			problems := checkEnvironment()
			for _, p := range problems {
				fmt.Printf("environment: %s\n", p)
			}
			if len(problems) > 0 {
				return types.NewError(types.ErrEnvironment, "check environment",
					fmt.Errorf("%d problem(s) found", len(problems)))
			}
			fmt.Println("environment: OK")
		}
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "config-show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := cfg.Dump()
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "config-init",
	Short: "Write a default config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteDefault(flagConfig); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", flagConfig)
		return nil
	},
}

var sshInfoCmd = &cobra.Command{
	Use:   "ssh-info <range-id>",
	Short: "Print SSH access lines for a range's guests",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := wire()
		if err != nil {
			return err
		}
		defer a.close()

		md, err := a.store.GetMetadata(args[0])
		if err != nil {
			return err
		}
		var names []string
		for name := range md.IPAssignments {
			if _, isVM := vmAssignment(name); isVM {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			ip := md.IPAssignments[name]
			if cfg.GwMode && cfg.GwMgmtAddr != "" {
				fmt.Printf("%s: ssh -J %s@%s root@%s\n", name, cfg.GwAccount, cfg.GwMgmtAddr, ip)
			} else {
				fmt.Printf("%s: ssh root@%s\n", name, ip)
			}
		}
		return nil
	},
}

// vmAssignment separates clone-name entries (cyris-...) from the
// plan-time guest.iface keys that share the assignment map.
func vmAssignment(key string) (string, bool) {
	if len(key) > 6 && key[:6] == "cyris-" {
		return key, true
	}
	return "", false
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

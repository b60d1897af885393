package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cyris-project/cyris/pkg/config"
	"github.com/cyris-project/cyris/pkg/log"
	"github.com/cyris-project/cyris/pkg/orchestrator"
	"github.com/cyris-project/cyris/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagConfig  string
	flagVerbose bool

	cfg *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps errors to process exit codes: 1 for validation and
// usage problems, 2 when a range came up but some tasks failed or were
// skipped, 3 for operational failure.
func exitCode(err error) int {
	if errors.Is(err, orchestrator.ErrPartial) {
		return 2
	}
	switch types.KindOf(err) {
	case types.ErrConfig, "":
		return 1
	default:
		return 3
	}
}

var rootCmd = &cobra.Command{
	Use:   "cyris",
	Short: "CyRIS - Cyber range instantiation system",
	Long: `CyRIS creates and manages cyber ranges on KVM: it clones guests
from built or prepared base images, wires isolated networks with
forwarding policy, customizes guests over SSH, and tears everything
back down from a recorded resource inventory.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.Init(log.Config{Level: logLevel(), Output: os.Stderr})
		var err error
		cfg, err = config.Load(flagConfig)
		return err
	},
}

func logLevel() log.Level {
	if flagVerbose {
		return log.DebugLevel
	}
	if lvl := os.Getenv("CYRIS_LOG_LEVEL"); lvl != "" {
		return log.Level(lvl)
	}
	return log.InfoLevel
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"CyRIS version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", defaultConfigPath(), "path to config file (YAML or legacy INI)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(sshInfoCmd)
}

func defaultConfigPath() string {
	if p := os.Getenv("CYRIS_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yml"
	}
	return home + "/.cyris/config.yml"
}

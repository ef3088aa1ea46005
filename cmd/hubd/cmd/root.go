package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/xnoto/agenthub/internal/daemon"
	"github.com/xnoto/agenthub/internal/hub"
	"github.com/xnoto/agenthub/internal/install"
	"github.com/xnoto/agenthub/internal/relay"
)

var (
	cfgFile          string
	installService   bool
	uninstallService bool
)

var rootCmd = &cobra.Command{
	Use:   "hubd",
	Short: "Agent hub daemon - local message broker for assistant sessions",
	Long: `hubd routes messages between AI assistant sessions on this machine.

Agents drop JSON message files into ~/.agent-hub/messages/; the daemon
delivers them as prompt injections through the local OpenCode relay
server, auto-registering an agent identity for every new session.

Runs in the foreground; use --install-service for a systemd user unit.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the process exit code:
// 0 on clean shutdown, 1 on generic errors, 2 when the MCP preflight
// fails, 3 when the relay cannot be reached or started.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	switch {
	case errors.Is(err, relay.ErrMCPMissing):
		return 2
	case errors.Is(err, relay.ErrUnavailable):
		return 3
	default:
		return 1
	}
}

// SetVersion sets the version string shown by --version.
func SetVersion(v string) {
	rootCmd.Version = v
}

func init() {
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if installService {
			return runInstallService()
		}
		if uninstallService {
			return runUninstallService()
		}
		return runDaemon()
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ~/.config/agent-hub-daemon/config.yaml)")
	rootCmd.Flags().BoolVar(&installService, "install-service", false, "install the systemd user unit and exit")
	rootCmd.Flags().BoolVar(&uninstallService, "uninstall-service", false, "remove the systemd user unit and exit")
	rootCmd.MarkFlagsMutuallyExclusive("install-service", "uninstall-service")
}

func runDaemon() error {
	paths, err := hubPaths()
	if err != nil {
		return err
	}

	var cfg daemon.Config
	if err := daemon.ApplyEnv(&cfg); err != nil {
		return err
	}
	configPath := cfgFile
	if configPath == "" {
		configPath = paths.ConfigFile
	}
	if err := daemon.LoadConfigFile(configPath, &cfg); err != nil {
		return err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(rootCmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return daemon.New(cfg, paths, log).Run(ctx)
}

// hubPaths resolves the hub layout, honoring AGENT_HUB_DIR for tests and
// side-by-side hubs.
func hubPaths() (hub.Paths, error) {
	paths, err := hub.Default()
	if err != nil {
		return hub.Paths{}, err
	}
	if dir := os.Getenv("AGENT_HUB_DIR"); dir != "" {
		paths = hub.At(dir, paths.ConfigDir)
	}
	return paths, nil
}

func runInstallService() error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving daemon binary path: %w", err)
	}
	unitDir, err := install.DefaultUnitDir()
	if err != nil {
		return err
	}
	plan, err := install.NewPlan(execPath, unitDir)
	if err != nil {
		return err
	}
	if plan.Action == install.ActionSkip {
		fmt.Printf("%s is up to date\n", plan.UnitPath)
		return nil
	}
	if err := plan.Execute(); err != nil {
		return err
	}
	fmt.Printf("installed %s\n", plan.UnitPath)
	fmt.Println("enable with: systemctl --user enable --now " + install.UnitName)
	return nil
}

func runUninstallService() error {
	unitDir, err := install.DefaultUnitDir()
	if err != nil {
		return err
	}
	removed, err := install.Uninstall(unitDir)
	if err != nil {
		return err
	}
	if removed {
		fmt.Println("removed " + install.UnitName)
	} else {
		fmt.Println(install.UnitName + " was not installed")
	}
	return nil
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/helium/pkg/config"
	"github.com/cuemby/helium/pkg/governance"
	"github.com/cuemby/helium/pkg/host"
	"github.com/cuemby/helium/pkg/log"
	"github.com/cuemby/helium/pkg/metrics"
	"github.com/cuemby/helium/pkg/router"
	"github.com/cuemby/helium/pkg/security"
	"github.com/cuemby/helium/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "heliumd",
	Short: "Helium - microkernel runtime host for WASM blockchain modules",
	Long: `Helium runs blockchain application logic as sandboxed WebAssembly
guests: transaction validation, block lifecycle handlers, and module
handlers all execute under fuel and memory limits with capability-checked
state access. The host mediates everything; guests have no ambient
authority.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Helium version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "helium.yaml", "Path to host configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(codeCmd)
	rootCmd.AddCommand(moduleCmd)

	codeCmd.AddCommand(codeStoreCmd)
	codeCmd.AddCommand(codeListCmd)

	moduleCmd.AddCommand(moduleInstallCmd)
	moduleCmd.AddCommand(moduleUpgradeCmd)
	moduleCmd.AddCommand(moduleListCmd)

	codeStoreCmd.Flags().String("wasm", "", "Path to the WASM file to store")
	_ = codeStoreCmd.MarkFlagRequired("wasm")
	codeStoreCmd.Flags().String("code-version", "", "Version string recorded with the code")
	codeStoreCmd.Flags().String("description", "", "Human-readable description")

	moduleInstallCmd.Flags().Uint64("code-id", 0, "Stored code ID to install from")
	_ = moduleInstallCmd.MarkFlagRequired("code-id")
	moduleInstallCmd.Flags().String("manifest", "", "Path to the module manifest YAML")
	_ = moduleInstallCmd.MarkFlagRequired("manifest")
	moduleInstallCmd.Flags().String("init-data", "", "Path to JSON handed to the module's init export")

	moduleUpgradeCmd.Flags().String("name", "", "Installed module to upgrade")
	_ = moduleUpgradeCmd.MarkFlagRequired("name")
	moduleUpgradeCmd.Flags().Uint64("code-id", 0, "Stored code ID to upgrade to")
	_ = moduleUpgradeCmd.MarkFlagRequired("code-id")
	moduleUpgradeCmd.Flags().String("migration-data", "", "Path to JSON handed to the upgrade hooks")
	moduleUpgradeCmd.Flags().Bool("force", false, "Skip the version comparison")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
	metrics.SetVersion(Version)
}

// loadConfig resolves the host configuration named by --config.
func loadConfig(cmd *cobra.Command) (config.HostConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// buildHost assembles (but does not Start) a host from the resolved
// configuration, for the offline governance commands that operate on the
// data directory directly.
func buildHost(cmd *cobra.Command) (*host.Host, config.HostConfig, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, config.HostConfig{}, err
	}
	h, err := host.New(cfg)
	if err != nil {
		return nil, config.HostConfig{}, err
	}
	if err := h.Governance().Restore(); err != nil {
		h.Stop()
		return nil, config.HostConfig{}, err
	}
	return h, cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host's driver-facing request loop",
	Long: `Start the host: open the namespace store, restore the code and module
registries, preload configured modules, and serve until interrupted.

The consensus driver connects through the adapter surface; metrics and
health endpoints listen on the configured metrics address.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		h, err := host.New(cfg)
		if err != nil {
			return err
		}
		if err := h.Start(); err != nil {
			h.Stop()
			return err
		}

		fmt.Printf("Helium host started\n")
		fmt.Printf("  Chain ID: %s\n", cfg.ChainID)
		fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
		if cfg.MetricsAddr != "" {
			fmt.Printf("  Metrics: http://%s/metrics\n", cfg.MetricsAddr)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("Shutting down...")
		return h.Stop()
	},
}

var codeCmd = &cobra.Command{
	Use:   "code",
	Short: "Manage stored WASM code",
}

var codeStoreCmd = &cobra.Command{
	Use:   "store",
	Short: "Store a WASM blob in the code registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, cfg, err := buildHost(cmd)
		if err != nil {
			return err
		}
		defer h.Stop()

		wasmPath, _ := cmd.Flags().GetString("wasm")
		version, _ := cmd.Flags().GetString("code-version")
		description, _ := cmd.Flags().GetString("description")

		wasmBytes, err := os.ReadFile(wasmPath)
		if err != nil {
			return fmt.Errorf("read wasm: %w", err)
		}

		codeID, err := h.Governance().StoreCode(governance.StoreCodeRequest{
			Authority: cfg.GovernanceAuthority,
			WasmBytes: wasmBytes,
			Metadata: types.CodeMetadata{
				Checksum:    security.Checksum(wasmBytes),
				Version:     version,
				Description: description,
			},
		})
		if err != nil {
			return err
		}
		fmt.Printf("Stored code %d (%d bytes)\n", codeID, len(wasmBytes))
		return nil
	},
}

var codeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored code entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, _, err := buildHost(cmd)
		if err != nil {
			return err
		}
		defer h.Stop()

		codes := h.Governance().ListCodes()
		if len(codes) == 0 {
			fmt.Println("No code stored")
			return nil
		}
		for _, c := range codes {
			fmt.Printf("%-6d %-10s %-8d bytes  %s\n", c.CodeID, c.Metadata.Version, len(c.WasmBytes), c.Metadata.Description)
		}
		return nil
	},
}

var moduleCmd = &cobra.Command{
	Use:   "module",
	Short: "Manage installed modules",
}

var moduleInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install a module from stored code",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, cfg, err := buildHost(cmd)
		if err != nil {
			return err
		}
		defer h.Stop()

		codeID, _ := cmd.Flags().GetUint64("code-id")
		manifestPath, _ := cmd.Flags().GetString("manifest")
		initDataPath, _ := cmd.Flags().GetString("init-data")

		entry, err := config.LoadManifest(manifestPath)
		if err != nil {
			return err
		}
		var initData []byte
		if initDataPath != "" {
			initData, err = os.ReadFile(initDataPath)
			if err != nil {
				return fmt.Errorf("read init data: %w", err)
			}
		}

		if err := h.Governance().InstallModule(governance.InstallModuleRequest{
			Authority: cfg.GovernanceAuthority,
			CodeID:    codeID,
			Config:    cfg.ModuleConfig(entry),
			Kind:      router.ComponentModule,
			InitData:  initData,
		}); err != nil {
			return err
		}
		fmt.Printf("Installed module %q from code %d\n", entry.Name, codeID)
		return nil
	},
}

var moduleUpgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Upgrade an installed module to a newer code",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, cfg, err := buildHost(cmd)
		if err != nil {
			return err
		}
		defer h.Stop()

		name, _ := cmd.Flags().GetString("name")
		codeID, _ := cmd.Flags().GetUint64("code-id")
		force, _ := cmd.Flags().GetBool("force")
		migrationPath, _ := cmd.Flags().GetString("migration-data")

		var migrationData []byte
		if migrationPath != "" {
			migrationData, err = os.ReadFile(migrationPath)
			if err != nil {
				return fmt.Errorf("read migration data: %w", err)
			}
		}

		if err := h.Governance().UpgradeModule(governance.UpgradeModuleRequest{
			Authority:     cfg.GovernanceAuthority,
			ModuleName:    name,
			NewCodeID:     codeID,
			MigrationData: migrationData,
			Force:         force,
		}); err != nil {
			return err
		}

		installed, _ := h.Governance().GetModule(name)
		fmt.Printf("Upgraded module %q to code %d (version %s)\n", name, codeID, installed.Version)
		return nil
	},
}

var moduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed modules",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, _, err := buildHost(cmd)
		if err != nil {
			return err
		}
		defer h.Stop()

		modules := h.Governance().ListModules()
		if len(modules) == 0 {
			fmt.Println("No modules installed")
			return nil
		}
		for _, m := range modules {
			upgraded := "-"
			if m.UpgradedAt != nil {
				upgraded = m.UpgradedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-16s code=%-4d version=%-10s installed=%s upgraded=%s\n",
				m.Name, m.CodeID, m.Version, m.InstalledAt.Format("2006-01-02 15:04:05"), upgraded)
		}
		return nil
	},
}

// Package cmd provides the CLI commands for gpu-index.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	awscollector "gpu-index/adapters/pricing/aws"
	"gpu-index/core/engine"
	"gpu-index/core/guard"
	"gpu-index/core/history"
	"gpu-index/core/registry"
	"gpu-index/internal/config"
	"gpu-index/internal/logging"
)

// Version is the CLI version
const Version = "0.3.0"

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "gpu-index",
	Short: "Compute the H100 GPU rental price index",
	Long: `gpu-index computes a weighted H100 hourly rental price index from
normalized per-provider prices.

Every cycle publishes three variants (full, hyperscalers_only and
non_hyperscalers_only). Values that move 50% or more against the last
published value are rejected and the previous value is carried forward.

Examples:
  gpu-index run --input prices.json
  gpu-index run --input prices.csv --dry-run
  gpu-index run --input prices.json --override aws=3.85 --override gcp=2.90
  gpu-index history list --variant full
  gpu-index registry validate registry.hcl`,
	SilenceUsage: true,
}

// Execute runs the CLI
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.gpu-index.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
}

func defaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gpu-index.json")
}

func initConfig() {
	path := cfgFile
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	config.Set(cfg)

	// Initialize logging
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := logging.Initialize(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
	}
}

// versionCmd prints version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gpu-index version %s (registry %s)\n", Version, registry.DefaultVersion)
	},
}

// configCmd manages configuration
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = defaultConfigPath()
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
		if err := config.Default().Save(path); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("Wrote default configuration to %s\n", path)
		return nil
	},
}

// loadRegistry returns the configured registry, or the built-in table
func loadRegistry(cfg *config.Config) (*registry.Registry, error) {
	if cfg.Registry.Path == "" {
		reg := registry.Default()
		return reg, reg.Validate()
	}
	return registry.LoadHCL(cfg.Registry.Path)
}

// runtime bundles what a cycle needs
type runtime struct {
	engine *engine.Engine
	store  history.Store
}

func (r *runtime) Close() error {
	return r.store.Close()
}

// openRuntime wires the engine from configuration
func openRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	reg, err := loadRegistry(cfg)
	if err != nil {
		return nil, err
	}

	store, err := history.Open(cfg.History.Backend, cfg.History.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}

	var marker guard.Marker = guard.NewMemoryMarker()
	if cfg.History.Backend != history.BackendMemory {
		marker = guard.NewFileMarker(cfg.State.MarkerPath)
	}

	opts := []engine.Option{engine.WithLogger(logging.Logger)}
	if cfg.AWS.Enabled {
		collector, err := awscollector.New(ctx, awscollector.Config{
			Region:       cfg.AWS.Region,
			InstanceType: cfg.AWS.InstanceType,
			GPUCount:     cfg.AWS.GPUCount,
			Location:     cfg.AWS.Location,
		}, logging.Logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		opts = append(opts, engine.WithPrimarySources(collector))
	}

	return &runtime{
		engine: engine.NewEngine(reg, store, marker, cfg.EngineSettings(), opts...),
		store:  store,
	}, nil
}

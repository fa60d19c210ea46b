// fleetpilot: AI-assisted allocation for a mining and inference fleet.
//
// Main CLI entrypoint using cobra command framework.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seenimoa/fleetpilot/api"
	"github.com/seenimoa/fleetpilot/internal/app"
	"github.com/seenimoa/fleetpilot/internal/config"
	"github.com/seenimoa/fleetpilot/internal/logging"
)

// Build-time variables (set via -ldflags).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Global config
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetpilot",
	Short: "fleetpilot: AI-assisted allocation for mining and inference fleets",
	Long: `fleetpilot watches energy, hash and token prices, computes per-machine
profitability, asks an AI model for allocation advice and applies the
chosen allocation to the fleet-control service.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		configFile, _ := cmd.Flags().GetString("config")
		if configFile != "" {
			cfg, err = config.LoadFromFile(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			cfg.Logging.Level = level
		}
		logging.Setup(cfg.Logging)
		api.Version = version
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./config/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pricesCmd)
	rootCmd.AddCommand(profitabilityCmd)
	rootCmd.AddCommand(allocateCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(statusCmd)
}

// buildApp wires the components for one command.
func buildApp() (*app.App, error) {
	return app.Build(cfg, logging.New(cfg.Logging))
}

// --- Version Command ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fleetpilot %s\n", version)
		fmt.Printf("  commit:  %s\n", commit)
		fmt.Printf("  built:   %s\n", date)
	},
}

// --- Serve Command (API Server) ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server and the background refresh loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.API.Port = port
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Printf("Starting fleetpilot API server on %s\n", cfg.Addr())
		return api.NewServer(a).ListenAndServe(cfg.Addr())
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "override api.port")
}

// --- Status Command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status and configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("═══════════════════════════════════════")
		fmt.Println("  fleetpilot: System Status")
		fmt.Println("═══════════════════════════════════════")
		fmt.Printf("  Version:       %s (%s)\n", version, commit)
		fmt.Println()

		fmt.Println("  Configuration:")
		fmt.Printf("    LLM Provider:  %s (model: %s)\n", cfg.LLM.Primary, cfg.LLM.Model)
		fmt.Printf("    Market:        %s\n", cfg.Market.BaseURL)
		fmt.Printf("    Fleet:         %s (site: %s)\n", cfg.Fleet.BaseURL, cfg.Fleet.SiteName)
		fmt.Printf("    Refresh:       every %s\n", cfg.Refresh.Interval)
		fmt.Printf("    Miner ceiling: %d (enforced: %t)\n", cfg.Analysis.MaxMiners, cfg.Execution.EnforceMinerCeiling)
		fmt.Printf("    News feeds:    %d\n", len(cfg.Analysis.NewsFeeds))
		fmt.Printf("    API Server:    %s\n", cfg.Addr())
		fmt.Println()

		fmt.Println("  Secrets:")
		for _, k := range config.CheckAPIKeys(cfg) {
			status := "not set"
			if k.IsSet {
				status = fmt.Sprintf("set (%s: %s)", k.Source, k.Masked)
			}
			fmt.Printf("    %-25s %s\n", k.Name+":", status)
		}

		fmt.Println("═══════════════════════════════════════")
		return nil
	},
}

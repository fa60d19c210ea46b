package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/seenimoa/fleetpilot/internal/app"
	"github.com/seenimoa/fleetpilot/internal/events"
	"github.com/seenimoa/fleetpilot/pkg/models"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadedApp builds the app and runs one bulk load.
func loadedApp(ctx context.Context) (*app.App, error) {
	a, err := buildApp()
	if err != nil {
		return nil, err
	}
	if err := a.Store.Load(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// --- Prices Command ---

var pricesCmd = &cobra.Command{
	Use:   "prices",
	Short: "Show the market price series, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		series, err := a.Fleet.Prices(cmd.Context())
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		if limit > 0 && len(series) > limit {
			series = series[:limit]
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIMESTAMP\tENERGY\tHASH\tTOKEN")
		for _, p := range series {
			fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t%.4f\n", p.Timestamp.Format("2006-01-02 15:04"), p.EnergyPrice, p.HashPrice, p.TokenPrice)
		}
		return tw.Flush()
	},
}

func init() {
	pricesCmd.Flags().Int("limit", 10, "number of samples to show (0 = all)")
}

// --- Profitability Command ---

var profitabilityCmd = &cobra.Command{
	Use:   "profitability",
	Short: "Compute profit per hour for every machine type",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := loadedApp(cmd.Context())
		if err != nil {
			return err
		}
		defer h.Close()

		report := h.Store.Snapshot().Profitability
		if report == nil {
			return fmt.Errorf("profitability unavailable: prices or inventory missing")
		}
		fmt.Printf("Prices as of %s\n\n", report.PriceAt.Format("2006-01-02 15:04 MST"))
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "MACHINE\tCATEGORY\tPROFIT/H\tEFFICIENCY")
		for _, e := range report.Entries {
			fmt.Fprintf(tw, "%s\t%s\t%.2f\t%.4f\n", e.Name, e.Category, e.ProfitPerHour, e.Efficiency)
		}
		return tw.Flush()
	},
}

// --- Allocate Command ---

var allocateCmd = &cobra.Command{
	Use:   "allocate",
	Short: "Show or set the machine allocation",
	Long: `Show the current allocation, or set it when any count flag is given.

Examples:
  fleetpilot allocate
  fleetpilot allocate --air 10 --gpu 4`,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := loadedApp(cmd.Context())
		if err != nil {
			return err
		}
		defer h.Close()

		snap := h.Store.Snapshot()
		if countFlagsSet(cmd) > 0 {
			target := models.AllocationTarget{}
			if snap.Allocation != nil {
				target = snap.Allocation.Counts()
			}
			readCount(cmd, "air", &target.AirMiners)
			readCount(cmd, "hydro", &target.HydroMiners)
			readCount(cmd, "immersion", &target.ImmersionMiners)
			readCount(cmd, "asic", &target.ASICCompute)
			readCount(cmd, "gpu", &target.GPUCompute)

			applied, err := h.Store.UpdateAllocation(cmd.Context(), target)
			if err != nil {
				return err
			}
			return printJSON(applied)
		}
		if snap.Allocation == nil {
			return fmt.Errorf("no allocation: set fleet.api_key or provision a site first")
		}
		return printJSON(snap.Allocation)
	},
}

var countFlags = []string{"air", "hydro", "immersion", "asic", "gpu"}

func countFlagsSet(cmd *cobra.Command) int {
	n := 0
	for _, name := range countFlags {
		if cmd.Flags().Changed(name) {
			n++
		}
	}
	return n
}

func readCount(cmd *cobra.Command, name string, dst *int) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetInt(name)
	}
}

func init() {
	allocateCmd.Flags().Int("air", 0, "air-cooled miners")
	allocateCmd.Flags().Int("hydro", 0, "hydro-cooled miners")
	allocateCmd.Flags().Int("immersion", 0, "immersion-cooled miners")
	allocateCmd.Flags().Int("asic", 0, "ASIC inference units")
	allocateCmd.Flags().Int("gpu", 0, "GPU inference units")
}

// --- Analyze Command ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Ask the AI model for a status and recommended actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := loadedApp(cmd.Context())
		if err != nil {
			return err
		}
		defer h.Close()

		result, err := h.Store.Analyze(cmd.Context())
		if err != nil {
			return err
		}
		if result.Degraded {
			fmt.Fprintln(os.Stderr, "warning: the model reply could not be parsed; showing the fallback result")
		}
		return printJSON(result)
	},
}

// --- Execute Command ---

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Apply a recommended action and summarize the outcome",
	Long: `Apply a recommended action. The action comes from a JSON file (--action)
or from a fresh analysis (--index).

Examples:
  fleetpilot execute --index 0
  fleetpilot execute --action action.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		actionFile, _ := cmd.Flags().GetString("action")
		index, _ := cmd.Flags().GetInt("index")
		if actionFile == "" && !cmd.Flags().Changed("index") {
			return fmt.Errorf("provide --action or --index")
		}

		h, err := loadedApp(cmd.Context())
		if err != nil {
			return err
		}
		defer h.Close()

		var action *models.RecommendedAction
		if actionFile != "" {
			raw, err := os.ReadFile(actionFile)
			if err != nil {
				return err
			}
			action = &models.RecommendedAction{}
			if err := json.Unmarshal(raw, action); err != nil {
				return fmt.Errorf("parse %s: %w", actionFile, err)
			}
		} else {
			result, err := h.Store.Analyze(cmd.Context())
			if err != nil {
				return err
			}
			if index < 0 || index >= len(result.Actions) {
				return fmt.Errorf("index %d out of range: the analysis has %d actions", index, len(result.Actions))
			}
			action = &result.Actions[index]
		}

		res, err := h.Store.Execute(cmd.Context(), action)
		if res.Applied() {
			if perr := printJSON(res); perr != nil {
				return perr
			}
		}
		if err != nil && res.Applied() {
			return fmt.Errorf("allocation applied, but the summary failed: %w", err)
		}
		return err
	},
}

func init() {
	executeCmd.Flags().String("action", "", "path to a JSON file holding one recommended action")
	executeCmd.Flags().Int("index", 0, "index of the action in a fresh analysis")
}

// --- Provision Command ---

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create a site and print its credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name = cfg.Fleet.SiteName
		}
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		site, err := a.Fleet.CreateSite(cmd.Context(), name)
		if err != nil {
			return err
		}
		events.Emit(cmd.Context(), a.Events, a.Logger, events.TypeSiteProvisioned, map[string]any{
			"name":  site.Name,
			"power": site.Power,
		})
		fmt.Printf("Site %q provisioned with %.0f W.\n", site.Name, site.Power)
		fmt.Printf("Set FLEETPILOT_FLEET_API_KEY=%s to use it.\n", site.APIKey)
		return nil
	},
}

func init() {
	provisionCmd.Flags().String("name", "", "site name (default: fleet.site_name)")
}

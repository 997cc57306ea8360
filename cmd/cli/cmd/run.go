// Package cmd - run command
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gpu-index/adapters/publish"
	"gpu-index/core/engine"
	"gpu-index/core/registry"
	"gpu-index/core/types"
	"gpu-index/db/ingestion"
	"gpu-index/internal/config"
	"gpu-index/internal/errors"
	"gpu-index/internal/logging"
	"gpu-index/internal/metrics"
)

var (
	runInput        string
	runFormat       string
	runCycleID      string
	runTimestamp    string
	runDryRun       bool
	runOverrides    []string
	runOverrideFile string
	runAutoRerun    bool
	runOutput       string
	runTimeout      time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Compute and publish one index cycle",
	Long: `Compute the three index variants from a file of normalized provider
prices, guard them against history and publish the results.

The input is a JSON batch ({"cycle_id", "timestamp", "records"}), a bare
JSON array of records, or CSV with the columns
provider_id,category,price,currency,variant_normalized.

Manual override mode (--override or --override-file with prices) replaces
collected prices entirely. Dry-run computes everything but writes no
history, arms no rerun marker and publishes nothing.

Examples:
  gpu-index run --input prices.json
  gpu-index run --input prices.csv --cycle-id 2025-11-14 --dry-run
  gpu-index run --input prices.json --override-file overrides.yaml
  gpu-index run --input prices.json --auto-rerun --output json`,
	RunE: runCycle,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "normalized price file [REQUIRED]")
	runCmd.Flags().StringVarP(&runFormat, "format", "f", "", "input format (json, csv); default from extension")
	runCmd.Flags().StringVar(&runCycleID, "cycle-id", "", "cycle id (default from input, else the timestamp's date)")
	runCmd.Flags().StringVar(&runTimestamp, "timestamp", "", "cycle timestamp, RFC3339 (default from input, else now)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "compute only: no history, no marker, no publication")
	runCmd.Flags().StringArrayVar(&runOverrides, "override", nil, "manual price override provider=price (repeatable)")
	runCmd.Flags().StringVar(&runOverrideFile, "override-file", "", "YAML file with manual prices and discount overrides")
	runCmd.Flags().BoolVar(&runAutoRerun, "auto-rerun", false, "immediately rerun once when the cycle requests a rerun")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "table", "output format (table, json)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 5*time.Minute, "timeout for the cycle")

	runCmd.MarkFlagRequired("input")
}

func runCycle(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	cfg := config.Get()
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	cycle, err := buildCycle(rt.engine.Registry())
	if err != nil {
		return err
	}

	printHeader(cycle, rt.engine.Registry())

	report, runErr := rt.engine.Run(ctx, cycle)
	if report != nil {
		if err := finishReport(ctx, cfg, rt.engine.Registry(), report); err != nil {
			runErr = multierr.Append(runErr, err)
		}
	}

	if runErr != nil {
		classifyFailure(runErr)
	}

	if runAutoRerun && (runErr == nil || errors.IsType(runErr, errors.TypePublish)) && report != nil && report.RerunRequested && !cycle.DryRun {
		fmt.Println("\nRerun requested: recomputing the cycle once.")
		if cycle, err = buildCycle(rt.engine.Registry()); err != nil {
			return err
		}
		report, runErr = rt.engine.Run(ctx, cycle)
		if report != nil {
			if err := finishReport(ctx, cfg, rt.engine.Registry(), report); err != nil {
				runErr = multierr.Append(runErr, err)
			}
		}
		if runErr != nil {
			classifyFailure(runErr)
		}
	}

	return runErr
}

// classifyFailure logs whether the cycle's values can be trusted
func classifyFailure(err error) {
	if errors.IsFatal(err) {
		logging.Error("cycle aborted", zap.String("type", string(errors.TypeOf(err))), zap.Error(err))
		return
	}
	logging.Warn("cycle computed with delivery errors", zap.String("type", string(errors.TypeOf(err))), zap.Error(err))
}

// buildCycle reads the input and override files into a cycle
func buildCycle(reg *registry.Registry) (engine.Cycle, error) {
	batch, err := ingestion.LoadFile(runInput, runFormat)
	if err != nil {
		return engine.Cycle{}, err
	}

	validator := ingestion.NewRecordValidator(reg, ingestion.DefaultContract(), logging.Logger)
	result := validator.Validate(batch.Records)
	if err := result.Err(); err != nil {
		return engine.Cycle{}, err
	}

	ts := batch.Timestamp
	if runTimestamp != "" {
		if ts, err = time.Parse(time.RFC3339, runTimestamp); err != nil {
			return engine.Cycle{}, fmt.Errorf("invalid --timestamp: %w", err)
		}
	}
	if ts.IsZero() {
		ts = time.Now().UTC().Truncate(time.Second)
		logging.Warn("input has no timestamp, using current time")
	}

	id := batch.CycleID
	if runCycleID != "" {
		id = runCycleID
	}
	if id == "" {
		id = ts.UTC().Format("2006-01-02")
	}

	overrides := &ingestion.Overrides{}
	if runOverrideFile != "" {
		if overrides, err = ingestion.LoadOverrides(runOverrideFile); err != nil {
			return engine.Cycle{}, err
		}
	}
	if err := overrides.ParsePriceFlags(runOverrides); err != nil {
		return engine.Cycle{}, err
	}
	if !overrides.Empty() {
		logging.Info("manual overrides loaded", zap.Stringer("overrides", overrides))
	}

	cycle := engine.Cycle{
		ID:                id,
		Timestamp:         ts.UTC(),
		Observations:      result.Observations,
		DiscountOverrides: overrides.Discounts,
		DryRun:            runDryRun,
	}
	if len(overrides.Prices) > 0 {
		cycle.Overrides = overrides.Prices
	}
	return cycle, nil
}

// finishReport prints, publishes and records metrics for a report
func finishReport(ctx context.Context, cfg *config.Config, reg *registry.Registry, report *engine.Report) error {
	if runOutput == "json" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		printReport(report)
	}

	var merr error
	if !report.DryRun && len(report.Publishable()) > 0 {
		merr = multierr.Append(merr, publishReport(ctx, cfg, reg, report))
	}
	if cfg.Metrics.TextfilePath != "" {
		rec := metrics.NewRecorder()
		rec.Observe(report)
		merr = multierr.Append(merr, rec.WriteTextfile(cfg.Metrics.TextfilePath))
	}
	return merr
}

func publishReport(ctx context.Context, cfg *config.Config, reg *registry.Registry, report *engine.Report) error {
	pub, err := publish.FromReport(report, reg)
	if err != nil {
		return err
	}
	for _, c := range pub.Contributions {
		if c.Flagged {
			logging.Warn("published price above review ceiling",
				logging.Provider(c.ProviderID),
				logging.Price("price", c.EffectivePrice),
				logging.Price("ceiling", publish.ReviewCeiling))
			fmt.Printf("⚠ %s price $%s/h is above $%s/h: review before relying on it\n",
				c.AssetID, c.EffectivePrice.StringFixed(2), publish.ReviewCeiling.StringFixed(0))
		}
	}

	var sinks []publish.Sink
	var merr error
	pc := cfg.Publish
	if pc.Journal.Enabled {
		j, err := publish.NewJournalSink(pc.Journal.Path, pc.Journal.MaxEntries, logging.Logger)
		merr = multierr.Append(merr, err)
		if err == nil {
			sinks = append(sinks, j)
		}
	}
	if pc.Postgres.Enabled {
		s, err := publish.NewPostgresSink(ctx, pc.Postgres.DSN, pc.Postgres.IndexTable, pc.Postgres.ContributionsTable, logging.Logger)
		merr = multierr.Append(merr, err)
		if err == nil {
			sinks = append(sinks, s)
		}
	}
	if pc.ClickHouse.Enabled {
		s, err := publish.NewClickHouseSink(ctx, publish.ClickHouseConfig{
			Host:     pc.ClickHouse.Host,
			Port:     pc.ClickHouse.Port,
			Database: pc.ClickHouse.Database,
			Username: pc.ClickHouse.Username,
			Password: pc.ClickHouse.Password,
		}, logging.Logger)
		merr = multierr.Append(merr, err)
		if err == nil {
			sinks = append(sinks, s)
		}
	}

	fanout := publish.NewFanout(logging.Logger, sinks...)
	if fanout.Len() > 0 {
		merr = multierr.Append(merr, fanout.Publish(ctx, pub))
		fmt.Printf("\nPublished batch %s to %d sink(s)\n", pub.BatchID, fanout.Len())
	}
	return multierr.Append(merr, fanout.Close())
}

func printHeader(cycle engine.Cycle, reg *registry.Registry) {
	fmt.Println("")
	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                   H100 GPU PRICE INDEX CYCLE                 ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println("")
	fmt.Printf("Cycle:      %s\n", cycle.ID)
	fmt.Printf("Timestamp:  %s\n", cycle.Timestamp.Format(time.RFC3339))
	fmt.Printf("Registry:   %s (%d providers)\n", reg.Version, reg.Len())
	fmt.Printf("Prices:     %d collected\n", len(cycle.Observations))
	switch {
	case len(cycle.Overrides) > 0:
		fmt.Printf("Mode:       MANUAL OVERRIDE (%d prices)\n", len(cycle.Overrides))
	case cycle.DryRun:
		fmt.Println("Mode:       DRY RUN")
	}
	fmt.Println("")
}

func printReport(report *engine.Report) {
	if report.Rerun {
		fmt.Printf("Attempt %d (rerun)\n\n", report.Attempt)
	}

	fmt.Println("Results:")
	fmt.Println("─────────────────────────────────────────────────────────────────")
	for _, v := range types.AllVariants() {
		res, ok := report.Result(v)
		if !ok {
			fmt.Printf("  %-24s %12s\n", v, "FAILED")
			continue
		}
		flag := ""
		if res.Flagged {
			flag = "  ⚠ above sanity ceiling"
		}
		fmt.Printf("  %-24s $%11s/h  %-20s %2d contributors%s\n",
			v, res.Value.StringFixed(4), res.Source, res.ContributingCount(), flag)
	}
	fmt.Println("─────────────────────────────────────────────────────────────────")

	if len(report.Contributions) > 0 {
		fmt.Println("\nFull index contributions:")
		for _, c := range report.Contributions {
			if !c.FinalWeight.IsPositive() {
				continue
			}
			fmt.Printf("  %-18s %-16s raw $%8s  eff $%8s  weight %s  [%s]\n",
				c.ProviderID, c.Category, c.RawPrice.StringFixed(4), c.EffectivePrice.StringFixed(4),
				c.FinalWeight.StringFixed(6), c.Tier)
		}
	}

	if len(report.Missing) > 0 {
		fmt.Printf("\nMissing providers (%d): %v\n", len(report.Missing), report.Missing)
	}
	for _, ex := range report.Exclusions {
		fmt.Printf("Outlier excluded: %s at $%s (%s fence)\n", ex.ProviderID, ex.Price.StringFixed(4), ex.Bound)
	}
	for _, d := range report.Degraded {
		fmt.Printf("Degraded: %s\n", d)
	}
	for _, d := range report.Decisions {
		if d.Rejected {
			fmt.Printf("Rejected: %s\n", d)
		}
	}

	if report.RerunRequested {
		if report.DryRun {
			fmt.Println("\nA rerun would be requested (dry run: marker not armed).")
		} else {
			fmt.Println("\nRerun requested: marker armed for the next invocation.")
		}
	}

	if report.Failed() {
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "╔══════════════════════════════════════════════════════════════╗")
		fmt.Fprintln(os.Stderr, "║                        FAILURE REPORT                        ║")
		fmt.Fprintln(os.Stderr, "╚══════════════════════════════════════════════════════════════╝")
		for _, f := range report.Failures {
			fmt.Fprintf(os.Stderr, "  %s\n", f)
		}
	}
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/clinicops/equipwatch/internal/anomaly"
	"github.com/clinicops/equipwatch/internal/config"
	"github.com/clinicops/equipwatch/internal/notify"
	"github.com/clinicops/equipwatch/internal/usage"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var evaluateDryRun bool

var evaluateCmd = &cobra.Command{
	Use:   "evaluate SESSION_ID",
	Short: "Evaluate a completed session for over-consumption",
	Long: `Evaluate a completed usage session against the stored energy profiles.
Without --dry-run an insight is created when the session is anomalous.`,
	Example: `  equipwatch evaluate 3f2c9a4e-6b1d-4d0e-9a57-0c1f2b3d4e5f --dry-run`,
	Args:    cobra.ExactArgs(1),
	RunE:    runEvaluate,
}

func init() {
	evaluateCmd.Flags().BoolVar(&evaluateDryRun, "dry-run", false, "Show the verdict without creating an insight")
	rootCmd.AddCommand(evaluateCmd)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	ctx := context.Background()
	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	service := anomaly.NewService(store, notify.NewLogSink(logger), thresholdsFrom(cfg.Anomaly), usage.RealClock{}, logger)

	var eval *anomaly.Evaluation
	if evaluateDryRun {
		eval, err = service.Preview(ctx, args[0])
	} else {
		eval, err = service.EvaluateSession(ctx, args[0], true)
	}
	if err != nil {
		return fmt.Errorf("evaluate %s: %w", args[0], err)
	}

	printEvaluation(eval, evaluateDryRun)
	return nil
}

func printEvaluation(eval *anomaly.Evaluation, dryRun bool) {
	cyan := color.New(color.FgCyan, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	v := eval.Verdict
	_, _ = cyan.Printf("Session %s\n", eval.SessionID)

	switch v.Outcome {
	case anomaly.OutcomeAnomalous:
		_, _ = red.Printf("  outcome   = %s\n", v.Outcome)
	case anomaly.OutcomeColdStartSkipped:
		_, _ = yellow.Printf("  outcome   = %s (no profile for these services yet)\n", v.Outcome)
		return
	default:
		_, _ = green.Printf("  outcome   = %s\n", v.Outcome)
	}

	fmt.Printf("  actual    = %.4f kWh\n", v.ActualKwh)
	fmt.Printf("  expected  = %.4f kWh\n", v.ExpectedKwh)
	fmt.Printf("  threshold = %.4f kWh\n", v.Threshold)
	fmt.Printf("  deviation = %+.1f%%\n", v.DeviationPct*100)
	for _, a := range v.Allocations {
		fmt.Printf("    %-20s %6.1f min  %.4f kWh\n", a.ServiceID, a.Minutes, a.ExpectedKwh)
	}

	switch {
	case dryRun:
		_, _ = yellow.Println("  dry run: no insight written")
	case eval.Duplicate:
		_, _ = yellow.Println("  an unresolved insight already covers this appointment")
	case eval.Insight != nil:
		_, _ = red.Printf("  insight %s created\n", eval.Insight.ID)
	}
}

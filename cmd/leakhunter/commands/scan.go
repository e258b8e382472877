package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/logger"
	"github.com/teranos/leakhunter/scheduler"
)

// ScanCmd runs connectors once, in the foreground
var ScanCmd = &cobra.Command{
	Use:   "scan <connector>|all",
	Short: "Run one connector (or all) once and print a summary",
	Long: `Run a connector immediately and wait for it to finish. Findings go through
the same dedup, event store and ticket dispatch as under serve.

Examples:
  leakhunter scan slack
  leakhunter scan all --full`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

var scanFull bool

func init() {
	ScanCmd.Flags().BoolVar(&scanFull, "full", false, "Ignore the last successful run and read everything")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(a.orch.Connectors()) == 0 {
		return errors.WithHint(errors.New("no connectors enabled"),
			"enable one under [connectors.slack], [connectors.jira] or [connectors.directory]")
	}

	opts := scheduler.TriggerOptions{Full: scanFull, Wait: true, Exclusive: true}
	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Scanning %s", args[0]))

	var results []scheduler.TriggerResult
	if args[0] == "all" {
		opts.Source = scheduler.TriggerAll
		results, err = a.orch.TriggerAll(ctx, opts)
	} else {
		var res scheduler.TriggerResult
		res, err = a.orch.Trigger(ctx, args[0], opts)
		if err == nil {
			results = append(results, res)
		}
	}
	if spinner != nil {
		_ = spinner.Stop()
	}
	if len(results) > 0 {
		printRuns(results)
	}
	if err != nil {
		return errors.Wrap(err, "scan failed")
	}
	for _, r := range results {
		if r.Run.Status == scheduler.RunStatusFailed {
			return errors.Newf("connector %s failed: %s", r.Run.Connector, r.Run.Error)
		}
	}
	return nil
}

func printRuns(results []scheduler.TriggerResult) {
	rows := pterm.TableData{{"Connector", "Status", "Items", "Admitted", "Duplicates", "Skipped", "Duration", "Error"}}
	for _, res := range results {
		r := res.Run
		took := "-"
		if !r.FinishedAt.IsZero() {
			took = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		rows = append(rows, []string{
			r.Connector,
			r.Status,
			fmt.Sprint(r.Items),
			fmt.Sprint(r.Admitted),
			fmt.Sprint(r.Duplicates),
			fmt.Sprint(r.Skipped),
			took,
			r.Error,
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mail-triage/internal/model"
	"github.com/sells-group/mail-triage/internal/monitoring"
)

var funnelCmd = &cobra.Command{
	Use:   "funnel",
	Short: "Report the realized classification funnel",
	Long: `Counts items per status and route and prints the share of items that
reached each phase.

Examples:
  # One-off report
  mail-triage funnel

  # Machine-readable snapshot
  mail-triage funnel --json

  # Check thresholds every monitoring.check_interval_secs and post alerts
  mail-triage funnel --watch --alert`,
	RunE: runFunnel,
}

func init() {
	f := funnelCmd.Flags()
	f.Bool("json", false, "print the snapshot as JSON")
	f.Bool("alert", false, "post threshold alerts to monitoring.webhook_url")
	f.Bool("watch", false, "re-check on an interval until interrupted")

	rootCmd.AddCommand(funnelCmd)
}

func runFunnel(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	asJSON, _ := cmd.Flags().GetBool("json")
	alert, _ := cmd.Flags().GetBool("alert")
	watch, _ := cmd.Flags().GetBool("watch")

	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	collector := monitoring.NewCollector(st)
	alerter := monitoring.NewAlerter(cfg.Monitoring)
	out := cmd.OutOrStdout()

	if watch {
		// Checker posts alerts itself; without --alert only report.
		mcfg := cfg.Monitoring
		if !alert {
			mcfg.WebhookURL = ""
		}
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(mcfg), mcfg)
		checker.Run(ctx, func(snap *monitoring.FunnelSnapshot, alerts []monitoring.Alert) {
			if err := printFunnel(out, snap, alerts, asJSON); err != nil {
				zap.L().Error("funnel: print snapshot", zap.Error(err))
			}
		})
		return nil
	}

	snap, err := collector.Collect(ctx)
	if err != nil {
		return err
	}
	alerts := alerter.Evaluate(snap)
	if err := printFunnel(out, snap, alerts, asJSON); err != nil {
		return err
	}
	if alert && len(alerts) > 0 {
		sent := alerter.SendAlerts(ctx, alerts)
		zap.L().Info("funnel alerts", zap.Int("triggered", len(alerts)), zap.Int("sent", sent))
	}
	return nil
}

func printFunnel(w io.Writer, snap *monitoring.FunnelSnapshot, alerts []monitoring.Alert, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(struct {
			*monitoring.FunnelSnapshot
			Alerts []monitoring.Alert `json:"alerts,omitempty"`
		}{snap, alerts}), "encode funnel")
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "items\t%d\n", snap.Total)
	fmt.Fprintf(tw, "pending\t%d\n", snap.Pending)
	for _, p := range []model.Phase{model.Phase1, model.Phase2, model.Phase3} {
		fmt.Fprintf(tw, "reached %s\t%d\t%.1f%%\tstopped after: %d\n",
			p, snap.Reached[p], snap.Share(p)*100, snap.StoppedAfter[p])
	}
	fmt.Fprintf(tw, "escalated\t%d\n", snap.Escalated)
	fmt.Fprintf(tw, "failed\t%d\t%.1f%%\n", snap.Failed, snap.FailureRate()*100)
	fmt.Fprintf(tw, "phase3 ratio\t%.1f%%\n", snap.Phase3Ratio()*100)
	fmt.Fprintln(tw)
	for _, s := range model.AllStatuses {
		if n := snap.ByStatus[s]; n > 0 {
			fmt.Fprintf(tw, "status %s\t%d\n", s, n)
		}
	}
	for _, r := range []model.Route{model.RoutePhase2, model.RoutePhase3, model.RouteEscalate, model.RouteDone} {
		if n := snap.ByRoute[r]; n > 0 {
			fmt.Fprintf(tw, "route %s\t%d\n", r, n)
		}
	}
	for _, a := range alerts {
		fmt.Fprintf(tw, "ALERT [%s]\t%s\n", a.Severity, a.Message)
	}
	return eris.Wrap(tw.Flush(), "write funnel")
}

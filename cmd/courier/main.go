package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"courier/internal/app"
	"courier/internal/config"
	"courier/internal/storage"
)

// set via -ldflags "-X main.version=..."
var version = "dev"

var cfgPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "courier",
		Short:         "Scheduled digest push daemon",
		Long:          "courier collects digest items from a spool directory and pushes them to chat channels on a cron schedule, with dedup, primary/backup fallback and a persisted delivery record.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newOnceCmd())
	root.AddCommand(newLastCmd())
	root.AddCommand(newReconcileCmd())
	root.AddCommand(newCheckCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the delivery daemon until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			a, err := app.NewApp(cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Close()
				return err
			}

			reason := app.StopUnknown
			select {
			case sig := <-sigCh:
				if sig == syscall.SIGTERM {
					reason = app.StopSIGTERM
				} else {
					reason = app.StopSIGINT
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer stopCancel()
			stopErr := a.Stop(stopCtx, reason)
			if reason == app.StopFatalError && a.Err() != nil {
				return a.Err()
			}
			return stopErr
		},
	}
}

func newOnceCmd() *cobra.Command {
	var asJSON bool
	c := &cobra.Command{
		Use:   "once",
		Short: "Run a single push cycle and exit",
		Long:  "Runs one collect/dedup/format/send cycle outside the schedule. Exits non-zero when the cycle fails, so it composes with external schedulers and smoke checks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.NewApp(cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.RunOnce(ctx)
			if err != nil {
				return err
			}
			if err := printResult(cmd, res, asJSON); err != nil {
				return err
			}
			if !res.OverallSuccess {
				detail := res.ErrorDetail
				if detail == "" {
					detail = "no channel accepted the digest"
				}
				return fmt.Errorf("cycle %s failed: %s", res.CycleID, detail)
			}
			return nil
		},
	}
	c.Flags().BoolVar(&asJSON, "json", false, "print the stored record as JSON")
	return c
}

func newLastCmd() *cobra.Command {
	var asJSON bool
	c := &cobra.Command{
		Use:   "last",
		Short: "Show the most recent cycle result",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.NewApp(cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, found, err := a.LastResult(cmd.Context())
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no cycle results recorded yet")
			}
			return printResult(cmd, res, asJSON)
		},
	}
	c.Flags().BoolVar(&asJSON, "json", false, "print the stored record as JSON")
	return c
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <fingerprint>",
		Short: "Forget a delivered fingerprint so it can be pushed again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.NewApp(cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			found, err := a.Reconcile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !found {
				fmt.Fprintf(out, "no record for %s\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "forgot %s; the next cycle may deliver it again\n", args[0])
			return nil
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(cfgPath).Parse()
			if err != nil {
				return err
			}
			if err := app.ValidateConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: config ok\n", cfgPath)
			return nil
		},
	}
}

func printResult(cmd *cobra.Command, res storage.CycleResult, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	status := "ok"
	if !res.OverallSuccess {
		status = "FAILED"
	}
	fmt.Fprintf(out, "cycle %s: %s\n", res.CycleID, status)
	fmt.Fprintf(out, " - started:    %s\n", res.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(out, " - finished:   %s\n", res.FinishedAt.Format(time.RFC3339))
	fmt.Fprintf(out, " - channel:    %s\n", res.ChannelUsed)
	fmt.Fprintf(out, " - candidates: %d\n", res.Candidates)
	fmt.Fprintf(out, " - sent:       %d of %d blocks\n", res.Sent, res.TotalBlocks)
	if res.ErrorDetail != "" {
		fmt.Fprintf(out, " - detail:     %s\n", res.ErrorDetail)
	}
	for _, at := range res.Attempts {
		fmt.Fprintf(out, "   %s block=%d outcome=%s took=%dms", at.Channel, at.BlockIndex, at.Outcome, at.DurationMS)
		if at.ErrorDetail != "" {
			fmt.Fprintf(out, " err=%s", at.ErrorDetail)
		}
		fmt.Fprintln(out)
	}
	return nil
}

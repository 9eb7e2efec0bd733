package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/camuig/spot-ledger/internal/avgprice"
	"github.com/camuig/spot-ledger/internal/report"
	"github.com/camuig/spot-ledger/internal/runner"
	"github.com/camuig/spot-ledger/internal/scheduler"
	"github.com/camuig/spot-ledger/internal/storage"
	"github.com/camuig/spot-ledger/internal/syncer"
	"github.com/camuig/spot-ledger/internal/web"
)

var (
	cfgFile string
	dbPath  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "ledger",
		Short:         "Gate.io spot trade ledger",
		Long:          `Synchronizes spot trade history into a local SQLite ledger and reports fee-adjusted average buy prices per asset`,
		RunE:          runRun,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to SQLite database (overrides storage.path)")

	rootCmd.AddCommand(
		newRunCmd(),
		newSyncCmd(),
		newReportCmd(),
		newExportCmd(),
		newServeCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync trades, print averages and save daily stats",
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	pairs, err := a.syncPairs(nil)
	if err != nil {
		return err
	}
	outcome, err := a.runner.RunOnce(ctx, runner.Options{Pairs: pairs, SaveStats: true})
	if err != nil {
		return err
	}
	if n := len(outcome.Sync.Failures); n > 0 {
		a.log.Warn("some windows were not synced and will be retried next run", "count", n)
	}
	return nil
}

func newSyncCmd() *cobra.Command {
	var (
		pairs []string
		since string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch new trades into the local ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			req := syncer.Request{}
			if req.Pairs, err = a.syncPairs(pairs); err != nil {
				return err
			}
			if since != "" {
				if req.Since, err = a.parseDay(since); err != nil {
					return err
				}
			}

			rep, err := a.runner.Sync(ctx, req)
			if err != nil {
				return err
			}
			fmt.Printf("added %d trades (%d duplicates, %d excluded) across %d pairs, %d failed windows\n",
				rep.RecordsAdded, rep.Duplicates, rep.Excluded, rep.PairsWithActivity, len(rep.Failures))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&pairs, "pair", nil, "pair to sync, e.g. BTC_USDT (repeatable; default all)")
	cmd.Flags().StringVar(&since, "since", "", "start date instead of the newest stored trade")
	return cmd
}

func newReportCmd() *cobra.Command {
	var (
		date    string
		allTime bool
		noSave  bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print average buy prices from the local ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			scope := a.runner.DefaultScope()
			switch {
			case allTime:
				scope = avgprice.AllTime()
			case date != "":
				day, err := a.parseDay(date)
				if err != nil {
					return err
				}
				scope = avgprice.OnDate(day, a.cfg.ReportLocation())
			}

			_, err = a.runner.Report(ctx, scope, !noSave)
			return err
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "report a single day (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&allTime, "all-time", false, "report over all stored trades")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "do not update the daily stats file")
	cmd.MarkFlagsMutuallyExclusive("date", "all-time")
	return cmd
}

func newExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write all stored trades as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			trades, err := a.store.ListTrades(ctx, storage.TradeFilter{})
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				return report.ExportTrades(os.Stdout, trades)
			}
			if err := report.ExportTradesFile(out, trades); err != nil {
				return err
			}
			a.log.Info("trades exported", "path", out, "count", len(trades))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file (default stdout)")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled syncs and the web dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Context with cancellation
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			pairs, err := a.syncPairs(nil)
			if err != nil {
				return err
			}

			sched := scheduler.NewScheduler(a.runner, runner.Options{Pairs: pairs, SaveStats: true},
				a.cfg.ScheduleInterval(), a.notifier, a.log)
			webServer := web.NewServer(a.store, a.repo, a.calc, a.cfg, a.log)

			// Start scheduler in goroutine
			done := make(chan struct{})
			go func() {
				sched.Run(ctx)
				close(done)
			}()

			// Start web server in goroutine
			go func() {
				if err := webServer.Start(); err != nil {
					a.log.Error("web server error", "error", err)
				}
			}()

			a.notifier.NotifyStatus("📒 Spot ledger started")

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			a.log.Info("shutdown signal received", "signal", sig.String())

			// Graceful shutdown
			cancel()
			<-done

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			if err := webServer.Shutdown(shutdownCtx); err != nil {
				a.log.Error("web server shutdown error", "error", err)
			}

			a.notifier.NotifyStatus("🛑 Spot ledger stopped")
			a.log.Info("spot ledger stopped")
			return nil
		},
	}
}

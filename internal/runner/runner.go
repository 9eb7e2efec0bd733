package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/camuig/spot-ledger/internal/avgprice"
	"github.com/camuig/spot-ledger/internal/config"
	"github.com/camuig/spot-ledger/internal/logger"
	"github.com/camuig/spot-ledger/internal/report"
	"github.com/camuig/spot-ledger/internal/storage"
	"github.com/camuig/spot-ledger/internal/syncer"
	"github.com/camuig/spot-ledger/internal/telegram"
)

// Runner performs one sync and reporting pass.
type Runner struct {
	engine   *syncer.Engine
	store    *storage.Store
	repo     *storage.Repository
	calc     *avgprice.Calculator
	notifier *telegram.Notifier
	config   *config.Config
	logger   *logger.Logger
	out      io.Writer
	now      func() time.Time
}

func NewRunner(
	engine *syncer.Engine,
	store *storage.Store,
	repo *storage.Repository,
	calc *avgprice.Calculator,
	notifier *telegram.Notifier,
	cfg *config.Config,
	log *logger.Logger,
	out io.Writer,
) *Runner {
	return &Runner{
		engine:   engine,
		store:    store,
		repo:     repo,
		calc:     calc,
		notifier: notifier,
		config:   cfg,
		logger:   log,
		out:      out,
		now:      time.Now,
	}
}

type Options struct {
	Pairs     []storage.Pair
	Since     time.Time
	Scope     avgprice.Scope
	SaveStats bool
}

type Outcome struct {
	Sync    *syncer.Report
	Scope   avgprice.Scope
	Entries []avgprice.Entry
}

// DefaultScope is the report scope from config, resolved against now.
func (r *Runner) DefaultScope() avgprice.Scope {
	if r.config.Report.Scope == config.ScopeToday {
		return avgprice.OnDate(r.now(), r.config.ReportLocation())
	}
	return avgprice.AllTime()
}

// RunOnce syncs, then computes and reports averages. An auth or persistence
// failure during sync stops the pass before reporting.
func (r *Runner) RunOnce(ctx context.Context, opts Options) (*Outcome, error) {
	r.logger.Info("starting run")
	if opts.Scope.IsZero() {
		opts.Scope = r.DefaultScope()
	}

	// 1. Sync
	syncReport, err := r.Sync(ctx, syncer.Request{Pairs: opts.Pairs, Since: opts.Since})
	if err != nil {
		return &Outcome{Sync: syncReport}, err
	}

	// 2. Compute and report
	entries, err := r.Report(ctx, opts.Scope, opts.SaveStats)
	if err != nil {
		r.notifier.NotifyError("report", err)
		return &Outcome{Sync: syncReport, Scope: opts.Scope}, err
	}

	// 3. Notify
	r.notifier.NotifySync(syncReport, opts.Scope, entries)

	r.logger.Info("run completed", "added", syncReport.RecordsAdded, "assets", len(entries))
	return &Outcome{Sync: syncReport, Scope: opts.Scope, Entries: entries}, nil
}

// Sync runs the engine and records the outcome in the sync log.
func (r *Runner) Sync(ctx context.Context, req syncer.Request) (*syncer.Report, error) {
	syncReport, err := r.engine.Sync(ctx, req)
	r.saveSyncLog(syncReport, err)
	if err != nil {
		r.logger.Error("sync failed", "error", err)
		r.notifier.NotifyError("sync", err)
		return syncReport, err
	}
	for _, f := range syncReport.Failures {
		r.logger.Warn("window not synced", "failure", f.String())
	}
	return syncReport, nil
}

// Report computes averages for scope from stored buys, prints them and
// optionally upserts the daily stats file.
func (r *Runner) Report(ctx context.Context, scope avgprice.Scope, save bool) ([]avgprice.Entry, error) {
	trades, err := r.store.BuyTrades(ctx)
	if err != nil {
		return nil, err
	}
	entries := avgprice.Sorted(r.calc.Compute(trades, scope))

	if r.out != nil {
		if err := report.PrintTable(r.out, fmt.Sprintf("Average buy prices (%s)", scope), entries); err != nil {
			r.logger.Error("print report", "error", err)
		}
	}

	if save {
		date := scope.Date()
		if scope.IsAllTime() {
			date = r.now().In(r.config.ReportLocation())
		}
		if err := report.SaveDailyStats(r.config.Report.DailyStatsPath, date, entries); err != nil {
			return entries, err
		}
		r.logger.Info("daily stats saved", "path", r.config.Report.DailyStatsPath, "assets", len(entries))
	}

	return entries, nil
}

func (r *Runner) saveSyncLog(rep *syncer.Report, err error) {
	log := &storage.SyncLog{}
	if rep != nil {
		log.Windows = rep.Windows
		log.PairsWithActivity = rep.PairsWithActivity
		log.RecordsAdded = rep.RecordsAdded
		log.Duplicates = rep.Duplicates
		log.Excluded = rep.Excluded
		log.FailuresCount = len(rep.Failures)
		if len(rep.Failures) > 0 {
			failures := make([]string, 0, len(rep.Failures))
			for _, f := range rep.Failures {
				failures = append(failures, f.String())
			}
			data, _ := json.Marshal(failures)
			log.FailuresJSON = string(data)
		}
	}
	if err != nil {
		log.Error = err.Error()
	}
	if dbErr := r.repo.SaveSyncLog(log); dbErr != nil {
		r.logger.Error("save sync log", "error", dbErr)
	}
}

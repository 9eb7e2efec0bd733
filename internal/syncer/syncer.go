package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/camuig/spot-ledger/internal/exchange"
	"github.com/camuig/spot-ledger/internal/logger"
	"github.com/camuig/spot-ledger/internal/storage"
	"github.com/camuig/spot-ledger/internal/window"
)

const (
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = time.Second
	retryJitterPercent    = 10
)

// TradeStore is the part of storage.Store the engine needs.
type TradeStore interface {
	LatestTimestampFor(pair string) (time.Time, bool)
	CoveredUntil(scope string) (time.Time, bool)
	MarkCovered(ctx context.Context, scope string) error
	Merge(ctx context.Context, records []storage.Trade) (storage.MergeResult, error)
}

// FailureLog persists windows that exhausted their retries so the next pass
// can fetch them again.
type FailureLog interface {
	RecordFailedWindow(ctx context.Context, fw *storage.FailedWindow) error
	PendingFailedWindows(ctx context.Context) ([]storage.FailedWindow, error)
	ResolveFailedWindow(ctx context.Context, id uint) error
}

type Options struct {
	MaxWindow      time.Duration
	MaxLookback    time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	// Universe is queried pair by pair when the exchange cannot list all pairs at once.
	Universe []storage.Pair
	Now      func() time.Time
}

type Request struct {
	// Pairs to sync; empty means all pairs.
	Pairs []storage.Pair
	// Since moves the start earlier when non-zero. It never starts a pair
	// after its newest stored trade.
	Since time.Time
}

type Failure struct {
	Pair   string
	Window window.Window
	Err    error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s %s: %v", pairLabel(f.Pair), f.Window, f.Err)
}

type Report struct {
	Windows           int
	PairsWithActivity int
	ActivePairs       []string
	RecordsAdded      int
	Duplicates        int
	Excluded          int
	Recovered         int
	Failures          []Failure
}

type Engine struct {
	lister   exchange.TradeLister
	store    TradeStore
	failures FailureLog
	opts     Options
	logger   *logger.Logger
}

// NewEngine builds a sync engine. failures may be nil, in which case failed
// windows are only reported.
func NewEngine(lister exchange.TradeLister, store TradeStore, failures FailureLog, opts Options, log *logger.Logger) *Engine {
	if opts.MaxWindow <= 0 {
		opts.MaxWindow = window.DefaultMaxWindow
	}
	if opts.MaxLookback <= 0 {
		opts.MaxLookback = window.DefaultMaxLookback
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = defaultRetryBaseDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		lister:   lister,
		store:    store,
		failures: failures,
		opts:     opts,
		logger:   log,
	}
}

// target is one remote query: a pair, or every pair when all is set.
type target struct {
	pair storage.Pair
	all  bool
}

func (t target) label() string {
	if t.all {
		return ""
	}
	return t.pair.String()
}

func (t target) scope() string {
	if t.all {
		return storage.AllPairsScope
	}
	return t.pair.String()
}

// Sync brings the store up to date. Failed windows are reported and the pass
// continues; an auth or persistence error stops it. Failed windows are
// persisted on every return path.
func (e *Engine) Sync(ctx context.Context, req Request) (*Report, error) {
	targets, err := e.resolveTargets(req.Pairs)
	if err != nil {
		return nil, err
	}

	now := e.opts.Now()
	report := &Report{}
	batches := make(map[string][]storage.Trade)
	var resolved []uint

	defer func() {
		e.recordFailures(context.WithoutCancel(ctx), report.Failures)
	}()

	// 1. Re-attempt windows that failed on earlier passes
	pending := e.pendingFailures(ctx)
	for _, fw := range pending {
		t := target{all: fw.Pair == ""}
		if t.all {
			if _, ok := e.lister.(exchange.AllPairsLister); !ok {
				e.logger.Warn("skipping all-pairs failed window", "window_start", fw.StartMs)
				continue
			}
		} else {
			pair, err := storage.ParsePair(fw.Pair)
			if err != nil {
				e.logger.Warn("dropping unparsable failed window", "pair", fw.Pair, "error", err)
				resolved = append(resolved, fw.ID)
				continue
			}
			t.pair = pair
		}
		w := window.Window{Start: time.UnixMilli(fw.StartMs), End: time.UnixMilli(fw.EndMs)}

		trades, err := e.fetch(ctx, t, w)
		if err != nil {
			if fatal(ctx, err) {
				return report, fmt.Errorf("sync %s %s: %w", pairLabel(t.label()), w, err)
			}
			report.Failures = append(report.Failures, Failure{Pair: t.label(), Window: w, Err: err})
			continue
		}
		e.collect(report, batches, trades)
		resolved = append(resolved, fw.ID)
		report.Recovered++
	}

	// 2. Walk windows from each target's own progress up to now
	starts := make([]time.Time, len(targets))
	start := now
	for i, t := range targets {
		starts[i] = e.startFor(t, req.Since, now)
		if starts[i].Before(start) {
			start = starts[i]
		}
	}
	e.logger.Info("sync started", "from", start.UTC().Format(time.RFC3339), "to", now.UTC().Format(time.RFC3339),
		"pairs", describeTargets(targets), "pending_failures", len(pending))

	planner := window.NewPlanner(start, now, e.opts.MaxWindow)
	for {
		w, ok := planner.Next()
		if !ok {
			break
		}
		report.Windows++

		for i, t := range targets {
			if !w.End.After(starts[i]) {
				continue
			}
			trades, err := e.fetch(ctx, t, w)
			if err != nil {
				if fatal(ctx, err) {
					return report, fmt.Errorf("sync %s %s: %w", pairLabel(t.label()), w, err)
				}
				e.logger.Error("window failed", "pair", pairLabel(t.label()), "window", w.String(), "error", err)
				report.Failures = append(report.Failures, Failure{Pair: t.label(), Window: w, Err: err})
				continue
			}
			e.logger.Debug("window fetched", "pair", pairLabel(t.label()), "window", w.String(), "trades", len(trades))
			e.collect(report, batches, trades)
		}
	}

	// 3. Merge once per pair
	keys := make([]string, 0, len(batches))
	for k := range batches {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		res, err := e.store.Merge(ctx, batches[k])
		if err != nil {
			return report, fmt.Errorf("merge %s: %w", k, err)
		}
		report.RecordsAdded += res.Accepted
		report.Duplicates += res.Duplicates
		if res.Accepted > 0 {
			report.PairsWithActivity++
			report.ActivePairs = append(report.ActivePairs, k)
		}
	}

	// 4. Every target was walked up to now
	for _, t := range targets {
		if err := e.store.MarkCovered(ctx, t.scope()); err != nil {
			return report, fmt.Errorf("mark %s covered: %w", pairLabel(t.label()), err)
		}
	}
	e.resolveFailures(ctx, resolved)

	e.logger.Info("sync finished",
		"windows", report.Windows,
		"added", report.RecordsAdded,
		"duplicates", report.Duplicates,
		"excluded", report.Excluded,
		"active_pairs", report.PairsWithActivity,
		"recovered", report.Recovered,
		"failures", len(report.Failures))

	return report, nil
}

func (e *Engine) resolveTargets(pairs []storage.Pair) ([]target, error) {
	if len(pairs) > 0 {
		targets := make([]target, 0, len(pairs))
		for _, p := range pairs {
			targets = append(targets, target{pair: p})
		}
		return targets, nil
	}
	if _, ok := e.lister.(exchange.AllPairsLister); ok {
		return []target{{all: true}}, nil
	}
	if len(e.opts.Universe) == 0 {
		return nil, errors.New("no pairs requested and the exchange cannot list all pairs; configure sync.pairs")
	}
	return e.resolveTargets(e.opts.Universe)
}

// startFor is where a target's walk begins: the later of its newest stored
// trade and the coverage of earlier complete passes, or the lookback horizon
// when neither exists. A pair also counts as covered by all-pairs passes.
func (e *Engine) startFor(t target, since, now time.Time) time.Time {
	latest, ok := e.store.CoveredUntil(t.scope())
	if !t.all {
		ts, found := e.store.LatestTimestampFor(t.pair.String())
		latest, ok = later(latest, ok, ts, found)
		ts, found = e.store.CoveredUntil(storage.AllPairsScope)
		latest, ok = later(latest, ok, ts, found)
	}

	start := window.StartFrom(latest, ok, now, e.opts.MaxLookback)
	if since.IsZero() || (ok && since.After(start)) {
		return start
	}
	return since
}

// fetch lists one window, retrying transient failures with exponential backoff.
func (e *Engine) fetch(ctx context.Context, t target, w window.Window) ([]storage.Trade, error) {
	b := retry.NewExponential(e.opts.RetryBaseDelay)
	b = retry.WithJitterPercent(retryJitterPercent, b)
	b = retry.WithMaxRetries(uint64(e.opts.MaxAttempts-1), b)

	var trades []storage.Trade
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		var err error
		if t.all {
			trades, err = e.lister.(exchange.AllPairsLister).ListAllTrades(ctx, w.Start, w.End)
		} else {
			trades, err = e.lister.ListTrades(ctx, t.pair, w.Start, w.End)
		}
		if err != nil && exchange.IsTransient(err) {
			e.logger.Warn("transient fetch error", "pair", pairLabel(t.label()), "window", w.String(),
				"attempt", attempt, "max_attempts", e.opts.MaxAttempts, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return trades, nil
}

// collect validates fetched trades and files them under their own pair.
func (e *Engine) collect(report *Report, batches map[string][]storage.Trade, trades []storage.Trade) {
	for _, t := range trades {
		if err := t.Validate(); err != nil {
			report.Excluded++
			e.logger.Warn("excluding trade", "id", t.ID, "pair", t.CurrencyPair, "error", err)
			continue
		}
		batches[t.CurrencyPair] = append(batches[t.CurrencyPair], t)
	}
}

func (e *Engine) pendingFailures(ctx context.Context) []storage.FailedWindow {
	if e.failures == nil {
		return nil
	}
	pending, err := e.failures.PendingFailedWindows(ctx)
	if err != nil {
		e.logger.Error("load failed windows", "error", err)
		return nil
	}
	return pending
}

func (e *Engine) recordFailures(ctx context.Context, failures []Failure) {
	if e.failures == nil {
		return
	}
	for _, f := range failures {
		fw := &storage.FailedWindow{
			Pair:      f.Pair,
			StartMs:   f.Window.Start.UnixMilli(),
			EndMs:     f.Window.End.UnixMilli(),
			LastError: f.Err.Error(),
		}
		if err := e.failures.RecordFailedWindow(ctx, fw); err != nil {
			e.logger.Error("record failed window", "pair", pairLabel(f.Pair), "window", f.Window.String(), "error", err)
		}
	}
}

func (e *Engine) resolveFailures(ctx context.Context, ids []uint) {
	if e.failures == nil {
		return
	}
	for _, id := range ids {
		if err := e.failures.ResolveFailedWindow(ctx, id); err != nil {
			e.logger.Error("resolve failed window", "id", id, "error", err)
		}
	}
}

func later(a time.Time, aok bool, b time.Time, bok bool) (time.Time, bool) {
	if bok && (!aok || b.After(a)) {
		return b, true
	}
	return a, aok
}

// fatal reports errors that end the pass instead of being collected.
func fatal(ctx context.Context, err error) bool {
	return exchange.IsAuth(err) || ctx.Err() != nil
}

func pairLabel(pair string) string {
	if pair == "" {
		return "all pairs"
	}
	return pair
}

func describeTargets(targets []target) string {
	if len(targets) == 1 && targets[0].all {
		return "all"
	}
	return fmt.Sprintf("%d", len(targets))
}

package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/spot-ledger/internal/exchange"
	"github.com/camuig/spot-ledger/internal/logger"
	"github.com/camuig/spot-ledger/internal/storage"
	"github.com/camuig/spot-ledger/internal/window"
)

var (
	now     = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	day     = 24 * time.Hour
	btcUSDT = storage.Pair{Base: "BTC", Quote: "USDT"}
	ethUSDT = storage.Pair{Base: "ETH", Quote: "USDT"}
)

// fakeLister serves a fixed set of remote trades and can inject errors per call.
type fakeLister struct {
	mu     sync.Mutex
	trades []storage.Trade
	calls  map[string]int
	errFor func(pair string, w window.Window, call int) error
}

func newFakeLister(trades ...storage.Trade) *fakeLister {
	return &fakeLister{trades: trades, calls: make(map[string]int)}
}

func (f *fakeLister) list(pair string, start, end time.Time) ([]storage.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := fmt.Sprintf("%s@%d", pair, start.UnixMilli())
	f.calls[key]++
	if f.errFor != nil {
		if err := f.errFor(pair, window.Window{Start: start, End: end}, f.calls[key]); err != nil {
			return nil, err
		}
	}

	var out []storage.Trade
	for _, t := range f.trades {
		if pair != "" && t.CurrencyPair != pair {
			continue
		}
		if t.CreateTimeMs >= start.UnixMilli() && t.CreateTimeMs < end.UnixMilli() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeLister) ListTrades(ctx context.Context, pair storage.Pair, start, end time.Time) ([]storage.Trade, error) {
	return f.list(pair.String(), start, end)
}

func (f *fakeLister) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type fakeAllLister struct {
	*fakeLister
}

func (f fakeAllLister) ListAllTrades(ctx context.Context, start, end time.Time) ([]storage.Trade, error) {
	return f.list("", start, end)
}

func remoteTrade(id string, pair storage.Pair, at time.Time) storage.Trade {
	return storage.Trade{
		ID:            id,
		CreateTime:    at.Unix(),
		CreateTimeMs:  at.UnixMilli(),
		CurrencyPair:  pair.String(),
		BaseCurrency:  pair.Base,
		QuoteCurrency: pair.Quote,
		Side:          storage.SideBuy,
		Role:          storage.RoleMaker,
		Amount:        decimal.NewFromInt(1),
		Price:         decimal.NewFromInt(100),
		Fee:           decimal.RequireFromString("0.1"),
		FeeCurrency:   pair.Quote,
	}
}

type harness struct {
	store *storage.Store
	repo  *storage.Repository
	close func() error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "ledger.db"), logger.Discard())
	if err != nil {
		t.Fatalf("NewDatabase() error = %v", err)
	}
	t.Cleanup(func() { _ = storage.CloseDatabase(db) })
	store, err := storage.NewStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return &harness{store: store, repo: storage.NewRepository(db), close: func() error { return storage.CloseDatabase(db) }}
}

func (h *harness) engine(lister exchange.TradeLister, universe ...storage.Pair) *Engine {
	clock := now
	return h.engineAt(lister, &clock, universe...)
}

// engineAt reads the current time from clock on every pass.
func (h *harness) engineAt(lister exchange.TradeLister, clock *time.Time, universe ...storage.Pair) *Engine {
	return newTestEngine(lister, h.store, h.repo, clock, universe...)
}

func newTestEngine(lister exchange.TradeLister, store TradeStore, failures FailureLog, clock *time.Time, universe ...storage.Pair) *Engine {
	return NewEngine(lister, store, failures, Options{
		MaxWindow:      30 * day,
		MaxLookback:    90 * day,
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
		Universe:       universe,
		Now:            func() time.Time { return *clock },
	}, logger.Discard())
}

// failingStore fails the n-th merge as if the disk were full.
type failingStore struct {
	*storage.Store
	merges int
	failOn int
}

func (f *failingStore) Merge(ctx context.Context, records []storage.Trade) (storage.MergeResult, error) {
	f.merges++
	if f.merges == f.failOn {
		return storage.MergeResult{}, &storage.PersistenceError{Op: "merge trades", Err: errors.New("disk full")}
	}
	return f.Store.Merge(ctx, records)
}

func TestSyncFetchesEverythingOnFirstRun(t *testing.T) {
	h := newHarness(t)
	lister := newFakeLister(
		remoteTrade("1", btcUSDT, now.Add(-80*day)),
		remoteTrade("2", btcUSDT, now.Add(-40*day)),
		remoteTrade("3", ethUSDT, now.Add(-time.Hour)),
		remoteTrade("old", btcUSDT, now.Add(-100*day)),
	)

	report, err := h.engine(lister).Sync(context.Background(), Request{Pairs: []storage.Pair{btcUSDT, ethUSDT}})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Windows != 3 {
		t.Errorf("Expected 3 windows, got %d", report.Windows)
	}
	if report.RecordsAdded != 3 {
		t.Errorf("Expected 3 records added, got %d", report.RecordsAdded)
	}
	if report.PairsWithActivity != 2 {
		t.Errorf("Expected 2 active pairs, got %d", report.PairsWithActivity)
	}
	if h.store.HasID("old") {
		t.Error("Expected trade before the lookback to be skipped")
	}
}

func TestSyncIsIdempotentAndMonotonic(t *testing.T) {
	h := newHarness(t)
	lister := newFakeLister(
		remoteTrade("1", btcUSDT, now.Add(-10*day)),
		remoteTrade("2", btcUSDT, now.Add(-2*day)),
	)
	eng := h.engine(lister)
	ctx := context.Background()
	req := Request{Pairs: []storage.Pair{btcUSDT}}

	if _, err := eng.Sync(ctx, req); err != nil {
		t.Fatalf("first Sync() error = %v", err)
	}
	before, _ := h.store.LatestTimestamp()

	report, err := eng.Sync(ctx, req)
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if report.RecordsAdded != 0 {
		t.Errorf("Expected no new records, got %d", report.RecordsAdded)
	}
	if report.Duplicates != 1 {
		t.Errorf("Expected the boundary trade to be refetched as a duplicate, got %d", report.Duplicates)
	}
	after, _ := h.store.LatestTimestamp()
	if after.Before(before) {
		t.Errorf("Expected latest timestamp not to move back: %v -> %v", before, after)
	}
	if h.store.Len() != 2 {
		t.Errorf("Expected 2 stored trades, got %d", h.store.Len())
	}

	lister.trades = append(lister.trades, remoteTrade("3", btcUSDT, now.Add(-time.Hour)))
	report, err = eng.Sync(ctx, req)
	if err != nil {
		t.Fatalf("third Sync() error = %v", err)
	}
	if report.RecordsAdded != 1 {
		t.Errorf("Expected the newer trade to be added, got %d", report.RecordsAdded)
	}
	newest, _ := h.store.LatestTimestamp()
	if !newest.After(after) {
		t.Errorf("Expected latest timestamp to advance with new data: %v -> %v", after, newest)
	}
}

func TestSyncCollectsFailuresAndContinues(t *testing.T) {
	h := newHarness(t)
	lister := newFakeLister(
		remoteTrade("btc-1", btcUSDT, now.Add(-80*day)),
		remoteTrade("eth-1", ethUSDT, now.Add(-50*day)),
		remoteTrade("btc-2", btcUSDT, now.Add(-5*day)),
	)
	secondWindow := now.Add(-60 * day)
	lister.errFor = func(pair string, w window.Window, call int) error {
		if pair == "ETH_USDT" && w.Start.Equal(secondWindow) {
			return &exchange.APIError{Status: 400, Label: "INVALID_CURRENCY_PAIR"}
		}
		return nil
	}

	report, err := h.engine(lister).Sync(context.Background(), Request{Pairs: []storage.Pair{btcUSDT, ethUSDT}})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(report.Failures) != 1 {
		t.Fatalf("Expected 1 failure, got %d", len(report.Failures))
	}
	if f := report.Failures[0]; f.Pair != "ETH_USDT" || !f.Window.Start.Equal(secondWindow) {
		t.Errorf("Unexpected failure %s", f)
	}
	if report.RecordsAdded != 2 {
		t.Errorf("Expected both BTC trades to be added, got %d", report.RecordsAdded)
	}

	pending, err := h.repo.PendingFailedWindows(context.Background())
	if err != nil {
		t.Fatalf("PendingFailedWindows() error = %v", err)
	}
	if len(pending) != 1 || pending[0].Pair != "ETH_USDT" {
		t.Errorf("Expected the failed window to be recorded, got %+v", pending)
	}
}

func TestSyncRecoversFailedWindowOnNextRun(t *testing.T) {
	h := newHarness(t)
	lister := newFakeLister(remoteTrade("eth-1", ethUSDT, now.Add(-50*day)))
	failing := true
	lister.errFor = func(pair string, w window.Window, call int) error {
		if failing && pair == "ETH_USDT" {
			return &exchange.APIError{Status: 400, Label: "SERVER_BUSY"}
		}
		return nil
	}
	eng := h.engine(lister)
	ctx := context.Background()

	// the pass still covers ETH up to the BTC trade, past the failed windows
	lister.trades = append(lister.trades, remoteTrade("btc-1", btcUSDT, now.Add(-time.Hour)))
	first, err := eng.Sync(ctx, Request{Pairs: []storage.Pair{btcUSDT, ethUSDT}})
	if err != nil {
		t.Fatalf("first Sync() error = %v", err)
	}
	if len(first.Failures) != 3 {
		t.Fatalf("Expected 3 failed ETH windows, got %d", len(first.Failures))
	}

	failing = false
	second, err := eng.Sync(ctx, Request{Pairs: []storage.Pair{btcUSDT, ethUSDT}})
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if second.Recovered != 3 {
		t.Errorf("Expected 3 recovered windows, got %d", second.Recovered)
	}
	if !h.store.HasID("eth-1") {
		t.Error("Expected the trade from the failed window to be stored")
	}
	pending, _ := h.repo.PendingFailedWindows(ctx)
	if len(pending) != 0 {
		t.Errorf("Expected no pending windows, got %d", len(pending))
	}
}

func TestSyncAbortsOnAuthError(t *testing.T) {
	h := newHarness(t)
	lister := newFakeLister(remoteTrade("1", btcUSDT, now.Add(-80*day)))
	lister.errFor = func(pair string, w window.Window, call int) error {
		if w.Start.After(now.Add(-70 * day)) {
			return &exchange.AuthError{Label: "INVALID_KEY", Message: "invalid key"}
		}
		return nil
	}

	_, err := h.engine(lister).Sync(context.Background(), Request{Pairs: []storage.Pair{btcUSDT}})
	if !exchange.IsAuth(err) {
		t.Fatalf("Expected auth error, got %v", err)
	}
	if lister.totalCalls() != 2 {
		t.Errorf("Expected the pass to stop at the rejected call, got %d calls", lister.totalCalls())
	}
	if h.store.Len() != 0 {
		t.Errorf("Expected nothing merged after auth failure, got %d", h.store.Len())
	}
}

func TestSyncRetriesTransientErrors(t *testing.T) {
	tests := []struct {
		name        string
		failCalls   int
		wantAdded   int
		wantFailure bool
	}{
		{"succeeds on third attempt", 2, 1, false},
		{"gives up after max attempts", 3, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			lister := newFakeLister(remoteTrade("1", btcUSDT, now.Add(-time.Hour)))
			lastWindow := now.Add(-30 * day)
			lister.errFor = func(pair string, w window.Window, call int) error {
				if w.Start.Equal(lastWindow) && call <= tt.failCalls {
					return &exchange.TransientError{Err: errors.New("503")}
				}
				return nil
			}

			report, err := h.engine(lister).Sync(context.Background(), Request{Pairs: []storage.Pair{btcUSDT}})
			if err != nil {
				t.Fatalf("Sync() error = %v", err)
			}
			if report.RecordsAdded != tt.wantAdded {
				t.Errorf("Expected %d added, got %d", tt.wantAdded, report.RecordsAdded)
			}
			if got := len(report.Failures) > 0; got != tt.wantFailure {
				t.Errorf("Expected failure=%v, got %v", tt.wantFailure, report.Failures)
			}
			if got := lister.calls[fmt.Sprintf("BTC_USDT@%d", lastWindow.UnixMilli())]; got != 3 {
				t.Errorf("Expected 3 attempts on the last window, got %d", got)
			}
		})
	}
}

func TestSyncExcludesInvalidRecords(t *testing.T) {
	h := newHarness(t)
	bad := remoteTrade("bad", btcUSDT, now.Add(-time.Hour))
	bad.FeeCurrency = "GT"
	negative := remoteTrade("neg", btcUSDT, now.Add(-2*time.Hour))
	negative.Amount = decimal.NewFromInt(-1)
	lister := newFakeLister(bad, negative, remoteTrade("good", btcUSDT, now.Add(-3*time.Hour)))

	report, err := h.engine(lister).Sync(context.Background(), Request{Pairs: []storage.Pair{btcUSDT}})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Excluded != 2 {
		t.Errorf("Expected 2 excluded records, got %d", report.Excluded)
	}
	if report.RecordsAdded != 1 || !h.store.HasID("good") {
		t.Errorf("Expected only the valid record to be stored, got %d", report.RecordsAdded)
	}
}

func TestSyncAllPairs(t *testing.T) {
	h := newHarness(t)
	lister := fakeAllLister{newFakeLister(
		remoteTrade("1", btcUSDT, now.Add(-day)),
		remoteTrade("2", ethUSDT, now.Add(-day)),
		remoteTrade("3", ethUSDT, now.Add(-2*day)),
	)}

	report, err := h.engine(lister).Sync(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.PairsWithActivity != 2 || report.RecordsAdded != 3 {
		t.Errorf("Expected 3 records over 2 pairs, got %d over %d", report.RecordsAdded, report.PairsWithActivity)
	}
	if report.ActivePairs[0] != "BTC_USDT" || report.ActivePairs[1] != "ETH_USDT" {
		t.Errorf("Unexpected active pairs %v", report.ActivePairs)
	}
}

func TestSyncAllPairsFallsBackToUniverse(t *testing.T) {
	h := newHarness(t)
	lister := newFakeLister(remoteTrade("1", ethUSDT, now.Add(-day)))

	if _, err := h.engine(lister).Sync(context.Background(), Request{}); err == nil {
		t.Error("Expected an error without pairs or universe")
	}

	report, err := h.engine(lister, ethUSDT).Sync(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.RecordsAdded != 1 {
		t.Errorf("Expected 1 record from the universe, got %d", report.RecordsAdded)
	}
}

func TestSyncSinceOverride(t *testing.T) {
	h := newHarness(t)
	lister := newFakeLister(
		remoteTrade("1", btcUSDT, now.Add(-80*day)),
		remoteTrade("2", btcUSDT, now.Add(-5*day)),
	)

	report, err := h.engine(lister).Sync(context.Background(), Request{
		Pairs: []storage.Pair{btcUSDT},
		Since: now.Add(-10 * day),
	})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Windows != 1 || report.RecordsAdded != 1 || !h.store.HasID("2") {
		t.Errorf("Expected a single window with trade 2, got %d windows, %d added", report.Windows, report.RecordsAdded)
	}
}

func TestSyncPersistenceErrorIsFatal(t *testing.T) {
	h := newHarness(t)
	lister := newFakeLister(remoteTrade("1", btcUSDT, now.Add(-day)))
	eng := NewEngine(lister, h.store, nil, Options{
		MaxLookback:    10 * day,
		RetryBaseDelay: time.Millisecond,
		Now:            func() time.Time { return now },
	}, logger.Discard())

	if err := h.close(); err != nil {
		t.Fatalf("close database: %v", err)
	}

	_, err := eng.Sync(context.Background(), Request{Pairs: []storage.Pair{btcUSDT}})
	var perr *storage.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected PersistenceError, got %v", err)
	}
	if h.store.HasID("1") {
		t.Error("Expected store to be unchanged after failed merge")
	}
}

func TestSubsetSyncDoesNotSkipOtherPairs(t *testing.T) {
	tests := []struct {
		name     string
		allPairs bool
	}{
		{"configured pairs", false},
		{"all-pairs listing", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			remote := newFakeLister(
				remoteTrade("btc-0", btcUSDT, now.Add(-time.Hour)),
				remoteTrade("eth-0", ethUSDT, now.Add(-2*time.Hour)),
			)
			var lister exchange.TradeLister = remote
			full := Request{Pairs: []storage.Pair{btcUSDT, ethUSDT}}
			if tt.allPairs {
				lister = fakeAllLister{remote}
				full = Request{}
			}
			clock := now
			eng := h.engineAt(lister, &clock)
			ctx := context.Background()

			if _, err := eng.Sync(ctx, full); err != nil {
				t.Fatalf("full Sync() error = %v", err)
			}

			remote.trades = append(remote.trades,
				remoteTrade("eth-1", ethUSDT, now.Add(day)),
				remoteTrade("btc-2", btcUSDT, now.Add(2*day)),
			)
			clock = now.Add(3 * day)
			if _, err := eng.Sync(ctx, Request{Pairs: []storage.Pair{btcUSDT}}); err != nil {
				t.Fatalf("BTC Sync() error = %v", err)
			}
			if h.store.HasID("eth-1") {
				t.Fatal("Expected the BTC-only pass to leave ETH alone")
			}

			clock = now.Add(4 * day)
			report, err := eng.Sync(ctx, full)
			if err != nil {
				t.Fatalf("second full Sync() error = %v", err)
			}
			if !h.store.HasID("eth-1") || !h.store.HasID("btc-2") {
				t.Errorf("Expected eth-1 and btc-2 to be stored, got eth-1=%v btc-2=%v",
					h.store.HasID("eth-1"), h.store.HasID("btc-2"))
			}
			if report.RecordsAdded != 1 {
				t.Errorf("Expected only eth-1 to be new, got %d", report.RecordsAdded)
			}
		})
	}
}

func TestSinceNeverStartsAfterNewestTrade(t *testing.T) {
	h := newHarness(t)
	lister := newFakeLister(remoteTrade("1", btcUSDT, now.Add(-5*day)))
	eng := h.engine(lister)
	ctx := context.Background()
	req := Request{Pairs: []storage.Pair{btcUSDT}}

	if _, err := eng.Sync(ctx, req); err != nil {
		t.Fatalf("first Sync() error = %v", err)
	}

	// a late-settling trade lands behind the requested start
	lister.trades = append(lister.trades, remoteTrade("2", btcUSDT, now.Add(-3*day)))
	req.Since = now.Add(-day)
	report, err := eng.Sync(ctx, req)
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if !h.store.HasID("2") || report.RecordsAdded != 1 {
		t.Errorf("Expected trade 2 to be fetched despite the later start, got %d added", report.RecordsAdded)
	}
}

func TestFailedWindowsSurviveMergeFailure(t *testing.T) {
	h := newHarness(t)
	solUSDT := storage.Pair{Base: "SOL", Quote: "USDT"}
	pairs := []storage.Pair{btcUSDT, ethUSDT, solUSDT}
	lister := newFakeLister(
		remoteTrade("btc-1", btcUSDT, now.Add(-day)),
		remoteTrade("eth-1", ethUSDT, now.Add(-10*day)),
		remoteTrade("sol-1", solUSDT, now.Add(-20*day)),
	)
	solDown := true
	lister.errFor = func(pair string, w window.Window, call int) error {
		if solDown && pair == "SOL_USDT" {
			return &exchange.APIError{Status: 400, Label: "INVALID_CURRENCY_PAIR"}
		}
		return nil
	}
	ctx := context.Background()
	clock := now

	flaky := &failingStore{Store: h.store, failOn: 2}
	_, err := newTestEngine(lister, flaky, h.repo, &clock).Sync(ctx, Request{Pairs: pairs})
	var perr *storage.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected PersistenceError, got %v", err)
	}
	if !h.store.HasID("btc-1") || h.store.HasID("eth-1") {
		t.Fatalf("Expected only the BTC merge to commit")
	}

	pending, err := h.repo.PendingFailedWindows(ctx)
	if err != nil {
		t.Fatalf("PendingFailedWindows() error = %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Expected the 3 failed SOL windows to be recorded, got %d", len(pending))
	}
	for _, fw := range pending {
		if fw.Pair != "SOL_USDT" {
			t.Errorf("Unexpected failed window %+v", fw)
		}
	}

	solDown = false
	if _, err := h.engineAt(lister, &clock).Sync(ctx, Request{Pairs: pairs}); err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	for _, id := range []string{"eth-1", "sol-1"} {
		if !h.store.HasID(id) {
			t.Errorf("Expected %s to be stored after the next run", id)
		}
	}
	if pending, _ := h.repo.PendingFailedWindows(ctx); len(pending) != 0 {
		t.Errorf("Expected no pending windows, got %d", len(pending))
	}
}

func TestUndecodableRowsAreExcluded(t *testing.T) {
	h := newHarness(t)
	lister := newFakeLister(
		storage.Trade{ID: "garbled", CurrencyPair: "BTC_USDT", CreateTimeMs: now.Add(-time.Hour).UnixMilli(),
			DecodeErr: errors.New(`amount "lots"`)},
		remoteTrade("good", btcUSDT, now.Add(-2*time.Hour)),
	)

	report, err := h.engine(lister).Sync(context.Background(), Request{Pairs: []storage.Pair{btcUSDT}})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Excluded != 1 || report.RecordsAdded != 1 || h.store.HasID("garbled") {
		t.Errorf("Expected the garbled row to be excluded, got excluded=%d added=%d", report.Excluded, report.RecordsAdded)
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/camuig/spot-ledger/internal/avgprice"
	"github.com/camuig/spot-ledger/internal/config"
	"github.com/camuig/spot-ledger/internal/gateio"
	"github.com/camuig/spot-ledger/internal/logger"
	"github.com/camuig/spot-ledger/internal/runner"
	"github.com/camuig/spot-ledger/internal/storage"
	"github.com/camuig/spot-ledger/internal/syncer"
	"github.com/camuig/spot-ledger/internal/telegram"
)

// app holds the wired services shared by every command.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	db       *gorm.DB
	store    *storage.Store
	repo     *storage.Repository
	calc     *avgprice.Calculator
	notifier *telegram.Notifier
	runner   *runner.Runner
}

func newApp(ctx context.Context) (*app, error) {
	// Load config
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if dbPath != "" {
		cfg.Storage.Path = dbPath
	}

	// Init logger
	log := logger.New(cfg.Logging.Level)

	// Init database
	db, err := storage.NewDatabase(cfg.Storage.Path, log)
	if err != nil {
		return nil, fmt.Errorf("database init failed: %w", err)
	}
	store, err := storage.NewStore(ctx, db)
	if err != nil {
		_ = storage.CloseDatabase(db)
		return nil, fmt.Errorf("load store: %w", err)
	}
	repo := storage.NewRepository(db)

	// Init exchange client
	gate, err := gateio.NewClient(cfg, log)
	if err != nil {
		_ = storage.CloseDatabase(db)
		return nil, fmt.Errorf("gate client init failed: %w", err)
	}

	// Init services
	feeMode, err := avgprice.ParseFeeMode(cfg.Report.QuoteFeeMode)
	if err != nil {
		_ = storage.CloseDatabase(db)
		return nil, err
	}
	calc := avgprice.NewCalculator(feeMode)
	engine := syncer.NewEngine(gate, store, repo, syncer.Options{
		MaxWindow:      cfg.MaxWindow(),
		MaxLookback:    cfg.MaxLookback(),
		MaxAttempts:    cfg.Sync.MaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay(),
		Universe:       cfg.Pairs(),
	}, log)
	notifier := telegram.NewNotifier(cfg, log)

	log.Info("ledger opened", "db", cfg.Storage.Path, "trades", store.Len(), "fee_mode", feeMode)

	return &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		store:    store,
		repo:     repo,
		calc:     calc,
		notifier: notifier,
		runner:   runner.NewRunner(engine, store, repo, calc, notifier, cfg, log, os.Stdout),
	}, nil
}

func (a *app) Close() {
	if err := storage.CloseDatabase(a.db); err != nil {
		a.log.Error("close database", "error", err)
	}
}

// syncPairs picks the pairs for a pass: flags first, then configured pairs.
// Nothing configured means every pair the account traded.
func (a *app) syncPairs(flagPairs []string) ([]storage.Pair, error) {
	if len(flagPairs) == 0 {
		return a.cfg.Pairs(), nil
	}
	pairs := make([]storage.Pair, 0, len(flagPairs))
	for _, p := range flagPairs {
		pair, err := storage.ParsePair(p)
		if err != nil {
			return nil, fmt.Errorf("invalid --pair: %w", err)
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// parseDay accepts YYYY-MM-DD in the report timezone, or RFC 3339.
func (a *app) parseDay(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation("2006-01-02", s, a.cfg.ReportLocation()); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q must be YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}

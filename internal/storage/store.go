package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	mergeBatchSize = 200

	// AllPairsScope keys the coverage of passes that list every pair at once.
	AllPairsScope = "all"
)

// Store is the local trade ledger. It keeps the set of known ids and the latest
// trade times in memory so membership and progress checks never hit the database.
type Store struct {
	db *gorm.DB

	mu         sync.RWMutex
	ids        map[string]struct{}
	latestMs   int64
	hasData    bool
	pairLatest map[string]int64
	coverage   map[string]int64
}

type MergeResult struct {
	Accepted   int
	Duplicates int
}

type TradeFilter struct {
	Side   Side
	Pair   string
	FromMs int64
	ToMs   int64 // exclusive, 0 means no bound
}

func NewStore(ctx context.Context, db *gorm.DB) (*Store, error) {
	s := &Store{
		db:         db,
		ids:        make(map[string]struct{}),
		pairLatest: make(map[string]int64),
		coverage:   make(map[string]int64),
	}

	var ids []string
	if err := db.WithContext(ctx).Model(&Trade{}).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("load trade ids: %w", err)
	}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}

	var latest []struct {
		CurrencyPair string
		LatestMs     int64
	}
	err := db.WithContext(ctx).Model(&Trade{}).
		Select("currency_pair, MAX(create_time_ms) AS latest_ms").
		Group("currency_pair").
		Scan(&latest).Error
	if err != nil {
		return nil, fmt.Errorf("load latest trade times: %w", err)
	}
	for _, row := range latest {
		s.pairLatest[row.CurrencyPair] = row.LatestMs
		if !s.hasData || row.LatestMs > s.latestMs {
			s.latestMs = row.LatestMs
			s.hasData = true
		}
	}

	var coverage []Coverage
	if err := db.WithContext(ctx).Find(&coverage).Error; err != nil {
		return nil, fmt.Errorf("load coverage: %w", err)
	}
	for _, c := range coverage {
		s.coverage[c.Scope] = c.LatestMs
	}

	return s, nil
}

// LatestTimestamp returns the trade time of the newest stored record, or false
// when the store is empty.
func (s *Store) LatestTimestamp() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasData {
		return time.Time{}, false
	}
	return time.UnixMilli(s.latestMs), true
}

// LatestTimestampFor is LatestTimestamp restricted to one pair.
func (s *Store) LatestTimestampFor(pair string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.pairLatest[pair]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// CoveredUntil returns the newest trade time recorded by MarkCovered for scope.
func (s *Store) CoveredUntil(scope string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.coverage[scope]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// MarkCovered records that a complete pass over scope finished with the
// ledger at its current newest trade. It never moves coverage backwards and
// does nothing on an empty store.
func (s *Store) MarkCovered(ctx context.Context, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasData {
		return nil
	}
	if prev, ok := s.coverage[scope]; ok && prev >= s.latestMs {
		return nil
	}

	c := Coverage{Scope: scope, LatestMs: s.latestMs}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}},
		DoUpdates: clause.AssignmentColumns([]string{"latest_ms", "updated_at"}),
	}).Create(&c).Error
	if err != nil {
		return &PersistenceError{Op: "mark coverage", Err: err}
	}
	s.coverage[scope] = c.LatestMs
	return nil
}

func (s *Store) KnownIDs() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.ids))
	for id := range s.ids {
		out[id] = struct{}{}
	}
	return out
}

func (s *Store) HasID(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Merge appends every record whose id is not yet stored. Either all accepted
// records are written or none are; on error the store is unchanged.
func (s *Store) Merge(ctx context.Context, records []Trade) (MergeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res MergeResult
	batch := make(map[string]struct{}, len(records))
	accepted := make([]Trade, 0, len(records))
	for _, r := range records {
		if _, ok := s.ids[r.ID]; ok {
			res.Duplicates++
			continue
		}
		if _, ok := batch[r.ID]; ok {
			res.Duplicates++
			continue
		}
		batch[r.ID] = struct{}{}
		accepted = append(accepted, r)
	}
	if len(accepted) == 0 {
		return res, nil
	}

	sort.Slice(accepted, func(i, j int) bool {
		if accepted[i].CreateTimeMs != accepted[j].CreateTimeMs {
			return accepted[i].CreateTimeMs < accepted[j].CreateTimeMs
		}
		return accepted[i].ID < accepted[j].ID
	})

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(accepted, mergeBatchSize).Error
	})
	if err != nil {
		return MergeResult{}, &PersistenceError{Op: "merge trades", Err: err}
	}

	for _, r := range accepted {
		s.ids[r.ID] = struct{}{}
		if ms, ok := s.pairLatest[r.CurrencyPair]; !ok || r.CreateTimeMs > ms {
			s.pairLatest[r.CurrencyPair] = r.CreateTimeMs
		}
		if !s.hasData || r.CreateTimeMs > s.latestMs {
			s.latestMs = r.CreateTimeMs
			s.hasData = true
		}
	}
	res.Accepted = len(accepted)
	return res, nil
}

// ListTrades returns stored trades in (trade time, id) order.
func (s *Store) ListTrades(ctx context.Context, f TradeFilter) ([]Trade, error) {
	q := s.db.WithContext(ctx).Model(&Trade{})
	if f.Side != "" {
		q = q.Where("side = ?", f.Side)
	}
	if f.Pair != "" {
		q = q.Where("currency_pair = ?", f.Pair)
	}
	if f.FromMs > 0 {
		q = q.Where("create_time_ms >= ?", f.FromMs)
	}
	if f.ToMs > 0 {
		q = q.Where("create_time_ms < ?", f.ToMs)
	}

	var trades []Trade
	if err := q.Order("create_time_ms ASC, id ASC").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return trades, nil
}

func (s *Store) BuyTrades(ctx context.Context) ([]Trade, error) {
	return s.ListTrades(ctx, TradeFilter{Side: SideBuy})
}

func (s *Store) RecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	var trades []Trade
	err := s.db.WithContext(ctx).Order("create_time_ms DESC, id DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

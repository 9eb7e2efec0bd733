package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/camuig/spot-ledger/internal/avgprice"
	"github.com/camuig/spot-ledger/internal/storage"
)

const (
	recentTradesLimit = 20
	syncLogsLimit     = 10
)

type AverageRow struct {
	Asset        string
	NetBuyAmount string
	NetBuyValue  string
	AvgPrice     string
	Trades       int
}

type TradeRow struct {
	Time   string
	Pair   string
	Side   storage.Side
	Amount string
	Price  string
	Fee    string
}

type DashboardData struct {
	TradeCount   int
	Latest       string
	Timezone     string
	Scope        string
	Averages     []AverageRow
	TotalValue   string
	RecentTrades []TradeRow
	SyncLogs     []storage.SyncLog
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	loc := s.config.ReportLocation()
	data := DashboardData{
		TradeCount: s.store.Len(),
		Timezone:   loc.String(),
		Scope:      avgprice.AllTime().String(),
	}

	if latest, ok := s.store.LatestTimestamp(); ok {
		data.Latest = latest.In(loc).Format("2006-01-02 15:04:05")
	}

	// Averages
	if entries, err := s.averages(r, avgprice.AllTime()); err == nil {
		for _, e := range entries {
			data.Averages = append(data.Averages, AverageRow{
				Asset:        e.Asset,
				NetBuyAmount: e.NetBuyAmount.StringFixed(8),
				NetBuyValue:  e.NetBuyValue.StringFixed(2),
				AvgPrice:     e.AvgPrice.StringFixed(8),
				Trades:       e.Trades,
			})
		}
		data.TotalValue = avgprice.Total(entries).StringFixed(2)
	} else {
		s.logger.Error("compute averages for dashboard", "error", err)
	}

	// Recent trades
	if trades, err := s.store.RecentTrades(r.Context(), recentTradesLimit); err == nil {
		for _, t := range trades {
			data.RecentTrades = append(data.RecentTrades, TradeRow{
				Time:   t.TradeTime().In(loc).Format("2006-01-02 15:04:05"),
				Pair:   t.CurrencyPair,
				Side:   t.Side,
				Amount: t.Amount.String(),
				Price:  t.Price.String(),
				Fee:    t.Fee.String() + " " + t.FeeCurrency,
			})
		}
	}

	// Sync logs
	if logs, err := s.repo.GetRecentSyncLogs(syncLogsLimit); err == nil {
		data.SyncLogs = logs
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.Execute(w, data); err != nil {
		s.logger.Error("execute template", "error", err)
	}
}

// handleAverages serves averages as JSON; ?date=YYYY-MM-DD scopes to one day.
func (s *Server) handleAverages(w http.ResponseWriter, r *http.Request) {
	scope := avgprice.AllTime()
	if date := r.URL.Query().Get("date"); date != "" {
		day, err := time.ParseInLocation("2006-01-02", date, s.config.ReportLocation())
		if err != nil {
			http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		scope = avgprice.OnDate(day, s.config.ReportLocation())
	}

	entries, err := s.averages(r, scope)
	if err != nil {
		s.logger.Error("compute averages", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"scope":    scope.String(),
		"averages": entries,
	})
}

func (s *Server) handleSyncLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.repo.GetRecentSyncLogs(syncLogsLimit)
	if err != nil {
		s.logger.Error("get sync logs", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, logs)
}

func (s *Server) averages(r *http.Request, scope avgprice.Scope) ([]avgprice.Entry, error) {
	trades, err := s.store.BuyTrades(r.Context())
	if err != nil {
		return nil, err
	}
	return avgprice.Sorted(s.calc.Compute(trades, scope)), nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/camuig/spot-ledger/internal/avgprice"
	"github.com/camuig/spot-ledger/internal/storage"
)

const dateLayout = "2006-01-02"

var dailyStatsHeader = []string{"date", "asset", "net_buy_amount", "net_buy_value", "avg_price"}

var tradeExportHeader = []string{
	"id", "create_time", "create_time_ms", "currency_pair", "base_currency", "quote_currency",
	"side", "role", "amount", "price", "order_id", "fee", "fee_currency",
}

// SaveDailyStats replaces the rows for date in the CSV at path and keeps all other dates.
// The file is rewritten atomically.
func SaveDailyStats(path string, date time.Time, entries []avgprice.Entry) error {
	day := date.Format(dateLayout)

	kept, err := readOtherDays(path, day)
	if err != nil {
		return &storage.PersistenceError{Op: "read daily stats", Err: err}
	}

	rows := make([][]string, 0, len(kept)+len(entries))
	rows = append(rows, kept...)
	for _, e := range entries {
		rows = append(rows, []string{
			day,
			e.Asset,
			e.NetBuyAmount.String(),
			e.NetBuyValue.String(),
			e.AvgPrice.StringFixed(pricePlaces),
		})
	}

	if err := writeCSVAtomic(path, dailyStatsHeader, rows); err != nil {
		return &storage.PersistenceError{Op: "write daily stats", Err: err}
	}
	return nil
}

func readOtherDays(path, day string) ([][]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(dailyStatsHeader)

	var kept [][]string
	first := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if first {
			first = false
			if rec[0] == dailyStatsHeader[0] {
				continue
			}
		}
		if rec[0] == day {
			continue
		}
		kept = append(kept, rec)
	}
	return kept, nil
}

// ExportTrades writes trades as CSV with the ledger's column set.
func ExportTrades(w io.Writer, trades []storage.Trade) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tradeExportHeader); err != nil {
		return err
	}
	for _, t := range trades {
		rec := []string{
			t.ID,
			strconv.FormatInt(t.CreateTime, 10),
			strconv.FormatInt(t.CreateTimeMs, 10),
			t.CurrencyPair,
			t.BaseCurrency,
			t.QuoteCurrency,
			string(t.Side),
			string(t.Role),
			t.Amount.String(),
			t.Price.String(),
			t.OrderID,
			t.Fee.String(),
			t.FeeCurrency,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportTradesFile is ExportTrades to a file, written atomically.
func ExportTradesFile(path string, trades []storage.Trade) error {
	return writeAtomic(path, func(w io.Writer) error {
		return ExportTrades(w, trades)
	})
}

func writeCSVAtomic(path string, header []string, rows [][]string) error {
	return writeAtomic(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(header); err != nil {
			return err
		}
		if err := cw.WriteAll(rows); err != nil {
			return err
		}
		return cw.Error()
	})
}

func writeAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

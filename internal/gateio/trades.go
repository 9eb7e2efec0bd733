package gateio

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/spot-ledger/internal/storage"
)

const (
	myTradesPath = "/spot/my_trades"
	pageLimit    = 1000
)

type tradeRow struct {
	ID           string `json:"id"`
	CreateTime   string `json:"create_time"`
	CreateTimeMs string `json:"create_time_ms"`
	CurrencyPair string `json:"currency_pair"`
	Side         string `json:"side"`
	Role         string `json:"role"`
	Amount       string `json:"amount"`
	Price        string `json:"price"`
	OrderID      string `json:"order_id"`
	Fee          string `json:"fee"`
	FeeCurrency  string `json:"fee_currency"`
}

// ListTrades returns the account's fills on pair with trade time in [start, end).
func (c *Client) ListTrades(ctx context.Context, pair storage.Pair, start, end time.Time) ([]storage.Trade, error) {
	return c.listTrades(ctx, pair.String(), start, end)
}

// ListAllTrades is ListTrades across every pair.
func (c *Client) ListAllTrades(ctx context.Context, start, end time.Time) ([]storage.Trade, error) {
	return c.listTrades(ctx, "", start, end)
}

func (c *Client) listTrades(ctx context.Context, pair string, start, end time.Time) ([]storage.Trade, error) {
	startMs, endMs := start.UnixMilli(), end.UnixMilli()
	to := end.Unix()
	if endMs%1000 != 0 {
		to++
	}

	var trades []storage.Trade
	for page := 1; ; page++ {
		params := url.Values{}
		if pair != "" {
			params.Set("currency_pair", pair)
		}
		params.Set("limit", strconv.Itoa(pageLimit))
		params.Set("page", strconv.Itoa(page))
		params.Set("from", strconv.FormatInt(start.Unix(), 10))
		params.Set("to", strconv.FormatInt(to, 10))

		var rows []tradeRow
		if err := c.get(ctx, myTradesPath, params, &rows); err != nil {
			// Gate rejects ranges outside the retained history; nothing more to fetch.
			if hasLabel(err, "INVALID_PARAM_VALUE") {
				c.logger.Debug("gate rejected range, stopping pagination",
					"pair", pair, "page", page, "error", err)
				break
			}
			return nil, fmt.Errorf("list trades %s page %d: %w", pairLabel(pair), page, err)
		}

		for _, row := range rows {
			t, err := row.toTrade()
			if err != nil {
				// handed on so the caller counts it as excluded
				c.logger.Warn("undecodable trade", "id", row.ID, "pair", row.CurrencyPair, "error", err)
				trades = append(trades, storage.Trade{ID: row.ID, CurrencyPair: row.CurrencyPair, DecodeErr: err})
				continue
			}
			if t.CreateTimeMs < startMs || t.CreateTimeMs >= endMs {
				continue
			}
			trades = append(trades, t)
		}

		if len(rows) < pageLimit {
			break
		}
	}

	return trades, nil
}

func pairLabel(pair string) string {
	if pair == "" {
		return "all pairs"
	}
	return pair
}

func (r tradeRow) toTrade() (storage.Trade, error) {
	pair, err := storage.ParsePair(r.CurrencyPair)
	if err != nil {
		return storage.Trade{}, err
	}

	createTime, err := strconv.ParseInt(strings.TrimSpace(r.CreateTime), 10, 64)
	if err != nil {
		return storage.Trade{}, fmt.Errorf("create_time %q: %w", r.CreateTime, err)
	}
	createTimeMs := createTime * 1000
	if r.CreateTimeMs != "" {
		ms, err := decimal.NewFromString(r.CreateTimeMs)
		if err != nil {
			return storage.Trade{}, fmt.Errorf("create_time_ms %q: %w", r.CreateTimeMs, err)
		}
		createTimeMs = ms.IntPart()
	}

	amount, err := parseDecimal("amount", r.Amount)
	if err != nil {
		return storage.Trade{}, err
	}
	price, err := parseDecimal("price", r.Price)
	if err != nil {
		return storage.Trade{}, err
	}
	fee, err := parseDecimal("fee", r.Fee)
	if err != nil {
		return storage.Trade{}, err
	}

	return storage.Trade{
		ID:            r.ID,
		CreateTime:    createTime,
		CreateTimeMs:  createTimeMs,
		CurrencyPair:  pair.String(),
		BaseCurrency:  pair.Base,
		QuoteCurrency: pair.Quote,
		Side:          storage.Side(strings.ToLower(r.Side)),
		Role:          storage.Role(strings.ToLower(r.Role)),
		Amount:        amount,
		Price:         price,
		OrderID:       r.OrderID,
		Fee:           fee,
		FeeCurrency:   strings.ToUpper(r.FeeCurrency),
	}, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s %q: %w", field, s, err)
	}
	return d, nil
}

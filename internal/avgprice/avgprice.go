package avgprice

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/spot-ledger/internal/storage"
)

// FeeMode decides how a fee paid in the quote currency affects the cost basis.
type FeeMode string

const (
	// FeeDeduct subtracts the quote fee from the gross cost.
	FeeDeduct FeeMode = "deduct"
	// FeeAdd treats the quote fee as extra acquisition cost.
	FeeAdd FeeMode = "add"
)

func ParseFeeMode(s string) (FeeMode, error) {
	switch FeeMode(s) {
	case FeeDeduct, FeeAdd:
		return FeeMode(s), nil
	case "":
		return FeeDeduct, nil
	}
	return "", fmt.Errorf("unknown fee mode %q", s)
}

// Scope limits which trades count: all of them, or one calendar date in a timezone.
type Scope struct {
	allTime bool
	start   time.Time
	end     time.Time
}

func AllTime() Scope {
	return Scope{allTime: true}
}

// OnDate scopes to the calendar day of day as seen in loc.
func OnDate(day time.Time, loc *time.Location) Scope {
	if loc == nil {
		loc = time.Local
	}
	d := day.In(loc)
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	return Scope{start: start, end: start.AddDate(0, 0, 1)}
}

func (s Scope) IsZero() bool {
	return !s.allTime && s.start.IsZero()
}

func (s Scope) IsAllTime() bool {
	return s.allTime
}

// Date is the first instant of the scoped day; zero for all-time.
func (s Scope) Date() time.Time {
	return s.start
}

func (s Scope) Includes(t time.Time) bool {
	if s.allTime {
		return true
	}
	return !t.Before(s.start) && t.Before(s.end)
}

func (s Scope) String() string {
	if s.allTime {
		return "all time"
	}
	return s.start.Format("2006-01-02")
}

type Entry struct {
	Asset        string          `json:"asset"`
	NetBuyAmount decimal.Decimal `json:"net_buy_amount"`
	NetBuyValue  decimal.Decimal `json:"net_buy_value"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	Trades       int             `json:"trades"`
}

type Calculator struct {
	feeMode FeeMode
}

func NewCalculator(mode FeeMode) *Calculator {
	if mode == "" {
		mode = FeeDeduct
	}
	return &Calculator{feeMode: mode}
}

// Compute aggregates buy-side fills in scope per base asset. Assets whose net
// bought amount is not positive are left out.
func (c *Calculator) Compute(trades []storage.Trade, scope Scope) map[string]Entry {
	entries := make(map[string]Entry)

	for i := range trades {
		t := &trades[i]
		if t.Side != storage.SideBuy || !scope.Includes(t.TradeTime()) {
			continue
		}

		gross := t.Amount.Mul(t.Price)
		var amount, value decimal.Decimal
		switch {
		case t.FeeInBase():
			amount = t.Amount.Sub(t.Fee)
			value = gross
		case t.FeeInQuote():
			amount = t.Amount
			if c.feeMode == FeeAdd {
				value = gross.Add(t.Fee)
			} else {
				value = gross.Sub(t.Fee)
			}
		default:
			continue
		}

		e := entries[t.BaseCurrency]
		e.Asset = t.BaseCurrency
		e.NetBuyAmount = e.NetBuyAmount.Add(amount)
		e.NetBuyValue = e.NetBuyValue.Add(value)
		e.Trades++
		entries[t.BaseCurrency] = e
	}

	for asset, e := range entries {
		if !e.NetBuyAmount.IsPositive() {
			delete(entries, asset)
			continue
		}
		e.AvgPrice = e.NetBuyValue.Div(e.NetBuyAmount)
		entries[asset] = e
	}

	return entries
}

// Sorted orders entries by net value, largest first, then by asset.
func Sorted(entries map[string]Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].NetBuyValue.Cmp(out[j].NetBuyValue); c != 0 {
			return c > 0
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// Total sums net value across entries. Values are only comparable when all
// assets share a quote currency.
func Total(entries []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.NetBuyValue)
	}
	return total
}

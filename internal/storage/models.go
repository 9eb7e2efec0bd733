package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type Role string

const (
	RoleTaker Role = "taker"
	RoleMaker Role = "maker"
)

// DefaultQuote is assumed when a pair symbol carries no separator.
const DefaultQuote = "USDT"

// Pair is a BASE_QUOTE spot market.
type Pair struct {
	Base  string
	Quote string
}

func (p Pair) String() string {
	return p.Base + "_" + p.Quote
}

func (p Pair) IsZero() bool {
	return p.Base == "" && p.Quote == ""
}

// ParsePair splits a symbol such as "BTC_USDT". A bare asset gets the default quote.
func ParsePair(symbol string) (Pair, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Pair{}, fmt.Errorf("empty pair")
	}
	base, quote, found := strings.Cut(symbol, "_")
	if !found {
		return Pair{Base: symbol, Quote: DefaultQuote}, nil
	}
	if base == "" || quote == "" || strings.Contains(quote, "_") {
		return Pair{}, fmt.Errorf("malformed pair %q", symbol)
	}
	return Pair{Base: base, Quote: quote}, nil
}

// Trade is one executed fill. Rows are never updated once stored.
type Trade struct {
	ID            string          `gorm:"primaryKey" json:"id"`
	CreateTime    int64           `gorm:"not null" json:"create_time"`
	CreateTimeMs  int64           `gorm:"index;not null" json:"create_time_ms"`
	CurrencyPair  string          `gorm:"index;not null" json:"currency_pair"`
	BaseCurrency  string          `gorm:"not null" json:"base_currency"`
	QuoteCurrency string          `gorm:"not null" json:"quote_currency"`
	Side          Side            `gorm:"index;not null" json:"side"`
	Role          Role            `json:"role"`
	Amount        decimal.Decimal `gorm:"type:text;not null" json:"amount"`
	Price         decimal.Decimal `gorm:"type:text;not null" json:"price"`
	OrderID       string          `json:"order_id"`
	Fee           decimal.Decimal `gorm:"type:text;not null" json:"fee"`
	FeeCurrency   string          `json:"fee_currency"`

	// DecodeErr is set when the exchange row could not be decoded; such a
	// record is never stored.
	DecodeErr error `gorm:"-" json:"-"`
}

func (t *Trade) Pair() Pair {
	return Pair{Base: t.BaseCurrency, Quote: t.QuoteCurrency}
}

func (t *Trade) TradeTime() time.Time {
	return time.UnixMilli(t.CreateTimeMs)
}

func (t *Trade) FeeInBase() bool {
	return t.FeeCurrency == t.BaseCurrency
}

func (t *Trade) FeeInQuote() bool {
	return t.FeeCurrency == t.QuoteCurrency
}

// Validate reports the first rule the record breaks.
func (t *Trade) Validate() error {
	switch {
	case t.DecodeErr != nil:
		return &IntegrityError{TradeID: t.ID, Reason: t.DecodeErr.Error()}
	case t.ID == "":
		return &IntegrityError{Reason: "missing id"}
	case t.BaseCurrency == "" || t.QuoteCurrency == "":
		return &IntegrityError{TradeID: t.ID, Reason: "missing pair"}
	case t.Side != SideBuy && t.Side != SideSell:
		return &IntegrityError{TradeID: t.ID, Reason: fmt.Sprintf("unknown side %q", t.Side)}
	case t.Amount.IsNegative():
		return &IntegrityError{TradeID: t.ID, Reason: "negative amount"}
	case t.Price.IsNegative():
		return &IntegrityError{TradeID: t.ID, Reason: "negative price"}
	case t.Fee.IsNegative():
		return &IntegrityError{TradeID: t.ID, Reason: "negative fee"}
	case !t.FeeInBase() && !t.FeeInQuote():
		return &IntegrityError{TradeID: t.ID, Reason: fmt.Sprintf("fee currency %q is neither %s nor %s",
			t.FeeCurrency, t.BaseCurrency, t.QuoteCurrency)}
	}
	return nil
}

type SyncLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Windows           int    `json:"windows"`
	PairsWithActivity int    `json:"pairs_with_activity"`
	RecordsAdded      int    `json:"records_added"`
	Duplicates        int    `json:"duplicates"`
	Excluded          int    `json:"excluded"`
	FailuresCount     int    `json:"failures_count"`
	FailuresJSON      string `gorm:"type:text" json:"failures_json"`
	Error             string `json:"error"`
}

// FailedWindow is a (pair, window) fetch that exhausted its retries.
// An empty Pair means the all-pairs listing.
type FailedWindow struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Pair      string `gorm:"uniqueIndex:idx_failed_window" json:"pair"`
	StartMs   int64  `gorm:"uniqueIndex:idx_failed_window" json:"start_ms"`
	EndMs     int64  `gorm:"uniqueIndex:idx_failed_window" json:"end_ms"`
	Attempts  int    `gorm:"not null;default:1" json:"attempts"`
	LastError string `json:"last_error"`
}

// Coverage marks how far a complete pass over every pair has brought the
// ledger: the newest stored trade time when that pass finished.
type Coverage struct {
	Scope     string    `gorm:"primaryKey" json:"scope"`
	LatestMs  int64     `gorm:"not null" json:"latest_ms"`
	UpdatedAt time.Time `json:"updated_at"`
}

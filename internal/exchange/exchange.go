package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/camuig/spot-ledger/internal/storage"
)

// TradeLister returns the account's fills for one pair with trade time in [start, end).
type TradeLister interface {
	ListTrades(ctx context.Context, pair storage.Pair, start, end time.Time) ([]storage.Trade, error)
}

// AllPairsLister is implemented by exchanges that can list fills across every pair at once.
type AllPairsLister interface {
	ListAllTrades(ctx context.Context, start, end time.Time) ([]storage.Trade, error)
}

// AuthError means the credentials were rejected. Retrying cannot help.
type AuthError struct {
	Label   string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth rejected: %s: %s", e.Label, e.Message)
}

// TransientError wraps a failure that may succeed on retry: network errors,
// timeouts, rate limiting and server errors.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// APIError is any other rejection from the exchange.
type APIError struct {
	Status  int
	Label   string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Label, e.Message)
}

func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

package storage

import "fmt"

// PersistenceError means the store could not be written. The store is left as it
// was before the failing call.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IntegrityError marks a record that breaks a data invariant and must be excluded.
type IntegrityError struct {
	TradeID string
	Reason  string
}

func (e *IntegrityError) Error() string {
	if e.TradeID == "" {
		return "integrity: " + e.Reason
	}
	return fmt.Sprintf("integrity: trade %s: %s", e.TradeID, e.Reason)
}

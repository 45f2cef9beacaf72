package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for order-book cache reads.
var (
	ErrStale   = errors.New("order book stale")
	ErrMissing = errors.New("order book missing")
	ErrCrossed = errors.New("order book crossed")
)

// ConfigError is an unknown or invalid configuration key. Fatal at startup.
type ConfigError struct {
	Key string
	Msg string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Msg)
}

// TransportError wraps a network failure. Retried with backoff by the
// owning task; surfaces to the evaluator only as stale or missing data.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DataError is a malformed or inconsistent market-data condition
// (crossed book, checksum mismatch). The pair is dropped and resubscribed.
type DataError struct {
	Pair string
	Msg  string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("%s: %s", e.Pair, e.Msg)
}

// OrderError is an exchange-side order failure. Aborts the current chain.
type OrderError struct {
	Pair    string
	OrderID string
	Err     error
}

func (e *OrderError) Error() string {
	if e.OrderID != "" {
		return fmt.Sprintf("order %s on %s: %v", e.OrderID, e.Pair, e.Err)
	}
	return fmt.Sprintf("order on %s: %v", e.Pair, e.Err)
}

func (e *OrderError) Unwrap() error { return e.Err }

// PartialFillError is a leg that filled below the dust threshold at timeout.
// The remainder of the chain is aborted; filled legs are not reversed.
type PartialFillError struct {
	Pair      string
	Filled    float64
	Requested float64
}

func (e *PartialFillError) Error() string {
	return fmt.Sprintf("partial fill on %s: %.8f of %.8f", e.Pair, e.Filled, e.Requested)
}

// FatalError is a corrupted-state condition. The controller enters the
// error state and shuts down.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Msg
}

package stockservice

import (
	"fmt"
	"time"
)

// ValidationError rejects malformed input before any state is touched.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// ConflictError reports an expected-version mismatch. The caller should
// re-read and retry with the current version.
type ConflictError struct {
	StoreID  string
	SKU      string
	Expected int
	Current  int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: expected %d, current %d",
		e.StoreID, e.SKU, e.Expected, e.Current)
}

// InsufficientStockError reports a mutation that would drive quantity below
// zero.
type InsufficientStockError struct {
	StoreID   string
	SKU       string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock on %s/%s: available %d, requested %d",
		e.StoreID, e.SKU, e.Available, e.Requested)
}

// IdempotencyConflictError reports an idempotency key reused with a
// different payload.
type IdempotencyConflictError struct {
	Key string
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q reused with a different payload", e.Key)
}

// LockRejectionError reports a lease that could not be taken; the caller
// should retry after the hinted delay.
type LockRejectionError struct {
	SKU        string
	RetryAfter time.Duration
}

func (e *LockRejectionError) Error() string {
	return fmt.Sprintf("sku %s is locked by another process", e.SKU)
}

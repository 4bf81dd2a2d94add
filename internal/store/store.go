// Package store defines the durable moduli store's public contract
// (spec §4.5): at-most-once insertion, balanced retrieval, archive-on-
// consume, and schema verification. It deliberately contains no
// database code — that is Design Note §9's "capability boundary":
// production wires internal/store/pgstore.Backend; tests wire
// internal/store/memstore.Backend. Neither implementation knows it is
// being tested.
package store

import (
	"context"
	"fmt"

	"github.com/moduli-generator/moduli-generator/internal/codec"
)

// Counts reports the outcome of a Store call.
type Counts struct {
	Inserted   int
	Duplicates int
}

// InsufficientRecords means RetrieveBalanced could not satisfy the
// request for one of the requested key lengths.
type InsufficientRecords struct {
	KeyLength int
	Available int
	Requested int
}

func (e *InsufficientRecords) Error() string {
	return fmt.Sprintf("insufficient records for key length %d: have %d, want %d",
		e.KeyLength, e.Available, e.Requested)
}

// ConnectionFailed wraps an infrastructure-level failure to reach the
// backing store.
type ConnectionFailed struct {
	Err error
}

func (e *ConnectionFailed) Error() string { return fmt.Sprintf("connection failed: %v", e.Err) }
func (e *ConnectionFailed) Unwrap() error { return e.Err }

// SchemaMismatch means verify_schema found the backing schema does not
// match what this store expects.
type SchemaMismatch struct {
	Reason string
}

func (e *SchemaMismatch) Error() string { return "schema mismatch: " + e.Reason }

// SchemaStatus is the overall verdict of a schema verification pass.
type SchemaStatus string

const (
	StatusPassed             SchemaStatus = "PASSED"
	StatusPassedWithWarnings SchemaStatus = "PASSED_WITH_WARNINGS"
	StatusFailed             SchemaStatus = "FAILED"
)

// SchemaCheck is the per-object result of a schema verification pass
// (one row per expected table, view, index, or foreign key).
type SchemaCheck struct {
	Object string
	OK     bool
	Detail string
}

// SchemaReport is returned by VerifySchema.
type SchemaReport struct {
	Status SchemaStatus
	Checks []SchemaCheck
}

// Backend is the capability boundary every moduli-store implementation
// satisfies: production code depends only on this interface, never on
// a concrete driver, matching Design Note §9's rejection of the
// source's global test-environment-detection pattern.
type Backend interface {
	// Store batches rows and persists each exactly once, identified by
	// codec.Modulus.Hash(). A row whose hash already exists is counted
	// as a duplicate and skipped, never returned as an error.
	Store(ctx context.Context, rows []codec.Modulus) (Counts, error)

	// RetrieveBalanced returns n rows per key length in keyLengths,
	// sorted ascending by Size. It fails with *InsufficientRecords (and
	// returns no rows at all) if any requested key length cannot supply
	// n rows.
	RetrieveBalanced(ctx context.Context, n int, keyLengths []int) ([]codec.Modulus, error)

	// Consume moves rows from the live table into the archive. Absent
	// rows (already archived by a concurrent caller) are treated as
	// already-consumed: the operation is idempotent.
	Consume(ctx context.Context, rows []codec.Modulus) error

	// CountBySize reports the number of live (un-consumed) rows per
	// KeyLength (the bits value, i.e. size+1).
	CountBySize(ctx context.Context) (map[int]int, error)

	// VerifySchema checks that the expected tables, views, indexes and
	// foreign keys exist.
	VerifySchema(ctx context.Context) (SchemaReport, error)

	Close() error
}

// Package store holds the single source of truth for named counters.
//
// Every backend applies relative adjustments atomically: concurrent Adjust calls for
// the same counter always end at the initial value plus the sum of their deltas. No
// operation writes an absolute counter value.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// ErrStorageUnavailable wraps any failure of the underlying engine. It is always
	// recoverable from the caller's point of view.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrUnknownCounter is returned by Adjust for a counter that was never seeded.
	ErrUnknownCounter = errors.New("unknown counter")
	// ErrUnknownRecord is returned by GetRecord when no record has the id.
	ErrUnknownRecord = errors.New("unknown record")
)

// MaxRecordNameLength is measured in runes.
const MaxRecordNameLength = 200

// DefaultCounters are seeded by every backend unless overridden.
var DefaultCounters = []string{"server", "client"}

type Store interface {
	// Read returns the current value, or 0 for a counter that was never initialised.
	Read(ctx context.Context, name string) (int64, error)
	// Adjust atomically applies value += delta and returns the resulting value.
	Adjust(ctx context.Context, name string, delta int64) (int64, error)
	CreateRecord(ctx context.Context, name string) (Record, error)
	GetRecord(ctx context.Context, id int64) (Record, error)
	// ListRecords returns all records, newest first.
	ListRecords(ctx context.Context) ([]Record, error)
	Close() error
}

type Record struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ValidateRecordName trims the name and checks it can be stored.
func ValidateRecordName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", &ValidationError{Field: "name", Reason: "name is required"}
	}
	if utf8.RuneCountInString(name) > MaxRecordNameLength {
		return "", &ValidationError{Field: "name", Reason: fmt.Sprintf("name must be at most %d characters", MaxRecordNameLength)}
	}
	return name, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, ErrStorageUnavailable, err)
}

func unknown(name string) error {
	return fmt.Errorf("%w: %q", ErrUnknownCounter, name)
}

func unknownRecord(id int64) error {
	return fmt.Errorf("%w: %d", ErrUnknownRecord, id)
}

func counterNames(names []string) []string {
	if len(names) == 0 {
		return DefaultCounters
	}
	return names
}

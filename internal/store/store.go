// Package store persists visitor observations. History is append-only: rows
// are never updated or deleted, and only the newest row of each identity takes
// part in matching.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/shortontech/fingerprintd/internal/feature"
)

// ErrUnavailable wraps every connection, query and transaction failure.
var ErrUnavailable = errors.New("identity store unavailable")

// DefaultTable is the table name used when none is configured.
const DefaultTable = "fingerprints"

// Latest is the most recent observation of one identity, reduced to what the
// scoring engine needs.
type Latest struct {
	Identity string
	Stable   feature.Set
	Noise    feature.NoiseReport
}

// Observation is one immutable snapshot written by Append.
type Observation struct {
	Identity string
	Stable   feature.Set
	Unstable feature.Set
	Noise    feature.NoiseReport
}

// Store is a shared identity store. Requests never use it directly; they
// Acquire a Handle and Close it on every exit path.
type Store interface {
	Acquire(ctx context.Context) (Handle, error)
	Ping(ctx context.Context) error
	Close() error
	Name() string
}

// Handle is a per-request connection to the store.
type Handle interface {
	// LatestPerIdentity returns one row per known identity, ordered by the
	// id of that newest row.
	LatestPerIdentity(ctx context.Context) ([]Latest, error)
	// Append writes obs atomically; readers never see a partial row.
	Append(ctx context.Context, obs Observation) error
	Close() error
}

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// validateTableName rejects anything that is not a plain SQL identifier, since
// the table name is interpolated into queries.
func validateTableName(name string) error {
	if !tableNameRe.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

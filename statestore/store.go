// Package statestore provides state sinks for activity instances and phase
// versions.
//
// The orchestrator and the approval machine call PersistInstance and
// PersistVersion after every transition. All implementations upsert by identity,
// so persisting the same record twice is harmless, and all of them can read the
// records back for run reports and audits.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/nomis52/phaseflow/approval"
	"github.com/nomis52/phaseflow/workflow"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store persists instances and versions.
type Store interface {
	PersistInstance(ctx context.Context, inst workflow.Instance) error
	PersistVersion(ctx context.Context, v approval.PhaseVersion) error

	// Instance returns one instance by ID.
	Instance(ctx context.Context, id string) (workflow.Instance, error)
	// Instances returns every instance of a run ordered by ID.
	Instances(ctx context.Context, runID string) ([]workflow.Instance, error)
	// Versions returns every version of a phase ordered by number.
	Versions(ctx context.Context, phase string) ([]approval.PhaseVersion, error)

	Close() error
}

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Options selects and configures a Store.
type Options struct {
	Driver      string
	SQLitePath  string
	RedisAddr   string
	RedisPrefix string
}

// Open creates the store named by opts.Driver. An empty driver selects memory.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		return OpenSQLite(opts.SQLitePath)
	case DriverRedis:
		return DialRedis(ctx, opts.RedisAddr, opts.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

// BooksFor returns a version book store on the same backend as s. Stores
// without a shared backend get an in-process book store.
func BooksFor(s Store) approval.Store {
	switch s := s.(type) {
	case *SQLite:
		return NewSQLiteBooks(s)
	case *Redis:
		return s.Books()
	default:
		return approval.NewMemoryStore()
	}
}

func sortInstances(instances []workflow.Instance) {
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].ID < instances[j].ID
	})
}

func sortVersions(versions []approval.PhaseVersion) {
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Number < versions[j].Number
	})
}

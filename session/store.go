// Package session provides durable storage for analysis sessions.
//
// A session is owned exclusively by the orchestrator and mutated only
// through append-only deltas: Apply must be safe under concurrent calls
// from multiple in-flight worker runs of the same session, so both
// implementations serialize updates per session id. Each worker owns its
// own WorkerRun sub-record, which eliminates cross-worker write conflicts
// by construction.
//
// Supported backends:
// - Memory: for development, testing and single-process deployments (default)
// - Redis: for distributed deployments (optimistic concurrency via WATCH)
package session

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/reviewflow/types"
)

// Common errors
var (
	ErrNotFound     = errors.New("session not found")
	ErrConflict     = errors.New("session already finalized")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// Delta is an atomic partial update to a session.
//
// Applying the same delta twice yields the same session state: PutRun
// replaces the run keyed by its WorkerID rather than appending, and
// Status is set absolutely.
type Delta struct {
	// Status transitions the session when non-nil.
	Status *types.SessionStatus

	// PutRun upserts the WorkerRun owned by PutRun.WorkerID.
	PutRun *types.WorkerRun
}

// Filter narrows List results.
type Filter struct {
	Status       types.SessionStatus
	CreatedAfter time.Time
	Limit        int
	OrderDesc    bool
}

// Store is the session persistence contract.
type Store interface {
	// Create registers a new session for the given input and returns its id.
	Create(ctx context.Context, input types.AnalysisInput) (string, error)

	// Get returns a copy of the session, or ErrNotFound.
	Get(ctx context.Context, id string) (*types.Session, error)

	// Apply atomically applies a partial update and returns the resulting
	// session. Updates to the same session are serialized.
	Apply(ctx context.Context, id string, delta Delta) (*types.Session, error)

	// Finalize attaches the report and moves the session to completed.
	// Returns ErrConflict if a concurrent finalize already occurred.
	Finalize(ctx context.Context, id string, report *types.Report) (*types.Session, error)

	// List returns session summaries matching the filter.
	List(ctx context.Context, filter Filter) ([]types.SessionSummary, error)

	// Close releases store resources.
	Close() error
}

// applyDelta mutates s in place according to delta. Shared by backends so
// both have identical delta semantics.
func applyDelta(s *types.Session, delta Delta) {
	if delta.Status != nil {
		s.Status = *delta.Status
	}
	if delta.PutRun != nil {
		run := *delta.PutRun
		replaced := false
		for i := range s.Runs {
			if s.Runs[i].WorkerID == run.WorkerID {
				s.Runs[i] = run
				replaced = true
				break
			}
		}
		if !replaced {
			s.Runs = append(s.Runs, run)
		}
	}
	s.UpdatedAt = time.Now()
	s.Version++
}

// cloneSession returns a deep copy safe to hand to callers.
func cloneSession(s *types.Session) *types.Session {
	copied := *s
	copied.Runs = make([]types.WorkerRun, len(s.Runs))
	copy(copied.Runs, s.Runs)
	if s.Report != nil {
		report := *s.Report
		copied.Report = &report
	}
	return &copied
}

// summarize projects a session into its list representation.
func summarize(s *types.Session) types.SessionSummary {
	return types.SessionSummary{
		ID:        s.ID,
		Status:    s.Status,
		Workers:   len(s.Runs),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// matchesFilter checks if a session matches the filter criteria.
func matchesFilter(s *types.Session, filter Filter) bool {
	if filter.Status != "" && s.Status != filter.Status {
		return false
	}
	if !filter.CreatedAfter.IsZero() && !s.CreatedAt.After(filter.CreatedAfter) {
		return false
	}
	return true
}

// Package knowledge implements the append-only knowledge graph that the
// orchestration loop learns from: patterns, findings, solutions and worker
// profiles, queryable by similarity and by worker identity.
//
// Graph entities outlive any single session. Writes are idempotent with
// respect to pattern fingerprint: re-storing an identical pattern
// increments its usage counter instead of duplicating the node.
package knowledge

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/BaSui01/reviewflow/types"
)

// Common errors
var (
	ErrUnavailable = errors.New("knowledge store unavailable")
	ErrInvalidData = errors.New("invalid graph data")
)

// Edge relation types. The profile/outcome relation is deliberately
// bipartite: there are no worker-to-worker edges in the graph.
const (
	RelationObservedIn = "observed_in" // finding -> pattern
	RelationResolves   = "resolves"    // solution -> finding
)

// Query describes a similarity lookup.
type Query struct {
	// Fingerprint matches exactly (similarity 1.0) when a stored pattern
	// carries the same fingerprint.
	Fingerprint string
	// Signature is compared against stored pattern signatures by cosine
	// similarity.
	Signature []float64
	// Language restricts candidates when non-empty.
	Language string
	// Threshold is the minimum similarity for a match.
	Threshold float64
	// Limit caps the number of matches, 0 means no cap.
	Limit int
}

// PrunePolicy bounds graph growth.
type PrunePolicy struct {
	// RetentionWindow: patterns older than this are candidates.
	RetentionWindow time.Duration
	// MinUsage: candidates with usage below this are removed.
	MinUsage int64
	// MinEdgeConfidence: relation edges below this are removed.
	MinEdgeConfidence float64
}

// Graph is the knowledge store contract shared by the in-memory and
// database backends.
type Graph interface {
	// FindSimilar returns the patterns matching the query together with
	// their linked historical findings and solutions, ordered by
	// descending similarity.
	FindSimilar(ctx context.Context, q Query) ([]types.PatternMatch, error)

	// StorePattern stores a pattern idempotently by fingerprint and
	// returns the canonical pattern id.
	StorePattern(ctx context.Context, pattern *types.Pattern) (string, error)

	// StoreFinding stores a finding, optionally linked to a pattern.
	StoreFinding(ctx context.Context, finding types.Finding, patternID string) error

	// StoreSolution stores a solution and its resolves-edges.
	StoreSolution(ctx context.Context, solution types.Solution) error

	// Profile returns a worker's historical profile, or nil when the
	// worker has never run.
	Profile(ctx context.Context, workerID string) (*types.WorkerProfile, error)

	// UpdateWorkerProfile amends the worker's aggregate accuracy after a
	// run. Profiles are never deleted, only amended.
	UpdateWorkerProfile(ctx context.Context, workerID, sessionID string, outcome types.RunOutcome) error

	// CollaborationEffectiveness derives a co-occurrence score for two
	// workers from session history: of the sessions where both ran, the
	// fraction where both were accepted. No direct worker-to-worker
	// state is kept.
	CollaborationEffectiveness(ctx context.Context, workerA, workerB string) (float64, error)

	// Prune removes stale patterns and weak edges, returning the number
	// of removed entities.
	Prune(ctx context.Context, policy PrunePolicy) (int, error)

	// Close releases store resources.
	Close() error
}

// CosineSimilarity computes the cosine similarity of two vectors.
// Mismatched lengths compare over the shorter prefix; zero vectors yield 0.
func CosineSimilarity(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
	}
	for _, v := range a {
		normA += v * v
	}
	for _, v := range b {
		normB += v * v
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// similarity scores a stored pattern against a query.
func similarity(q Query, p *types.Pattern) float64 {
	if q.Fingerprint != "" && q.Fingerprint == p.Fingerprint {
		return 1.0
	}
	if len(q.Signature) == 0 || len(p.Signature) == 0 {
		return 0
	}
	return CosineSimilarity(q.Signature, p.Signature)
}

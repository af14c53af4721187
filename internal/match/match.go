// Package match assigns detected faces to registered persons by
// comparing face embeddings against person centroids.
package match

import (
	"context"
	"fmt"
	"sync"

	"github.com/kozaktomas/facesift/internal/database"
)

// Outcome classifies a single face.
type Outcome string

const (
	// OutcomeStrict is a confident match; the face embedding is learned.
	OutcomeStrict Outcome = "strict"
	// OutcomeLoose is a plausible match; the photo routes to the person
	// but nothing is learned.
	OutcomeLoose Outcome = "loose"
	// OutcomeUnknown means no centroid was close enough.
	OutcomeUnknown Outcome = "unknown"
)

// Result is the decision for one face.
type Result struct {
	Outcome  Outcome
	PersonID int64
	Distance float64
}

// Thresholds carries the two distance cutoffs. Strict must not exceed
// loose.
type Thresholds struct {
	Strict float64
	Loose  float64
}

// Matcher matches faces against an in-memory snapshot of the registry
// centroids. The snapshot is rebuilt after learning so concurrent
// matching within a batch stays consistent and lock-free on the hot
// path.
type Matcher struct {
	pool       *database.Pool
	thresholds Thresholds
	maxPer     int

	mu        sync.RWMutex
	centroids []database.Centroid
}

// NewMatcher builds a matcher. Call Refresh before the first Match.
func NewMatcher(pool *database.Pool, thresholds Thresholds, maxEmbeddingsPerPerson int) *Matcher {
	return &Matcher{
		pool:       pool,
		thresholds: thresholds,
		maxPer:     maxEmbeddingsPerPerson,
	}
}

// Refresh reloads the centroid snapshot from the registry.
func (m *Matcher) Refresh(ctx context.Context) error {
	centroids, err := m.pool.AllCentroids(ctx)
	if err != nil {
		return fmt.Errorf("load centroids: %w", err)
	}
	m.mu.Lock()
	m.centroids = centroids
	m.mu.Unlock()
	return nil
}

// CentroidCount returns the number of matchable persons in the snapshot.
func (m *Matcher) CentroidCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.centroids)
}

// Match classifies one face embedding. When selectedIDs is non-empty
// only those persons are considered. Ties on distance resolve to the
// smallest person id; the snapshot is ordered by person id so the first
// strict inequality win preserves that.
func (m *Matcher) Match(embedding []float32, selectedIDs map[int64]bool) Result {
	normalized := database.Normalize(embedding)

	m.mu.RLock()
	defer m.mu.RUnlock()

	best := Result{Outcome: OutcomeUnknown}
	bestSet := false
	for _, c := range m.centroids {
		if len(selectedIDs) > 0 && !selectedIDs[c.PersonID] {
			continue
		}
		d := database.EuclideanDistance(normalized, c.Vector)
		if !bestSet || d < best.Distance {
			best.PersonID = c.PersonID
			best.Distance = d
			bestSet = true
		}
	}
	if !bestSet {
		return Result{Outcome: OutcomeUnknown}
	}

	switch {
	case best.Distance <= m.thresholds.Strict:
		best.Outcome = OutcomeStrict
	case best.Distance <= m.thresholds.Loose:
		best.Outcome = OutcomeLoose
	default:
		return Result{Outcome: OutcomeUnknown, Distance: best.Distance}
	}
	return best
}

// Learn appends a strict-matched embedding to the person's set, which
// also evicts beyond the cap and recomputes the centroid, then refreshes
// the snapshot so subsequent matches see the new centroid.
func (m *Matcher) Learn(ctx context.Context, personID int64, embedding []float32) error {
	if _, err := m.pool.AddEmbedding(ctx, personID, embedding, database.SourceLearned, m.maxPer); err != nil {
		return fmt.Errorf("learn embedding for person %d: %w", personID, err)
	}
	return m.Refresh(ctx)
}

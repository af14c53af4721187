package match

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/kozaktomas/facesift/internal/database"
)

var testThresholds = Thresholds{Strict: 0.80, Loose: 1.00}

func testMatcher(t *testing.T) (*Matcher, *database.Pool) {
	t.Helper()
	pool, err := database.NewPool(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return NewMatcher(pool, testThresholds, 30), pool
}

func seedPerson(t *testing.T, pool *database.Pool, name string, vec []float32) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := pool.CreatePerson(ctx, name, name)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	if _, err := pool.AddEmbedding(ctx, id, vec, database.SourceReference, 30); err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
	return id
}

// atDistance builds a unit vector at the given L2 distance from the
// unit vector along axis 0.
func atDistance(dim int, d float64) []float32 {
	cos := 1 - d*d/2
	sin := math.Sqrt(1 - cos*cos)
	v := make([]float32, dim)
	v[0] = float32(cos)
	v[1] = float32(sin)
	return v
}

func unitVec(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func TestMatchOutcomeBands(t *testing.T) {
	m, pool := testMatcher(t)
	seedPerson(t, pool, "alice", unitVec(8, 0))
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	cases := []struct {
		distance float64
		want     Outcome
	}{
		{0.30, OutcomeStrict},
		{0.78, OutcomeStrict},
		{0.85, OutcomeLoose},
		{0.98, OutcomeLoose},
		{1.10, OutcomeUnknown},
		{1.40, OutcomeUnknown},
	}
	for _, c := range cases {
		r := m.Match(atDistance(8, c.distance), nil)
		if r.Outcome != c.want {
			t.Errorf("distance %.2f: outcome %s, want %s (measured %.4f)",
				c.distance, r.Outcome, c.want, r.Distance)
		}
	}
}

func TestMatchNoCentroids(t *testing.T) {
	m, _ := testMatcher(t)
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	r := m.Match(unitVec(8, 0), nil)
	if r.Outcome != OutcomeUnknown {
		t.Errorf("empty registry should yield unknown, got %s", r.Outcome)
	}
}

func TestMatchTieBreakSmallestID(t *testing.T) {
	m, pool := testMatcher(t)
	// Two persons with the identical centroid: the smaller id wins.
	first := seedPerson(t, pool, "alice", unitVec(8, 0))
	seedPerson(t, pool, "bob", unitVec(8, 0))
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	r := m.Match(atDistance(8, 0.3), nil)
	if r.PersonID != first {
		t.Errorf("tie should resolve to smallest person id %d, got %d", first, r.PersonID)
	}
}

func TestMatchSelectedSubset(t *testing.T) {
	m, pool := testMatcher(t)
	seedPerson(t, pool, "alice", unitVec(8, 0))
	bob := seedPerson(t, pool, "bob", unitVec(8, 3))
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// The face is alice's, but only bob is selected.
	r := m.Match(atDistance(8, 0.3), map[int64]bool{bob: true})
	if r.Outcome != OutcomeUnknown {
		t.Errorf("face outside selection should be unknown, got %s (person %d)", r.Outcome, r.PersonID)
	}
}

func TestLearnGrowsEmbeddingsAndRefreshes(t *testing.T) {
	m, pool := testMatcher(t)
	ctx := context.Background()
	alice := seedPerson(t, pool, "alice", unitVec(8, 0))
	if err := m.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	learned := atDistance(8, 0.3)
	if err := m.Learn(ctx, alice, learned); err != nil {
		t.Fatalf("learn: %v", err)
	}

	vectors, err := pool.PersonEmbeddings(ctx, alice)
	if err != nil {
		t.Fatalf("embeddings: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("expected 2 embeddings after learning, got %d", len(vectors))
	}

	// The refreshed centroid moved toward the learned face, so the same
	// face now matches closer than before.
	before := 0.3
	r := m.Match(learned, nil)
	if r.Distance >= before {
		t.Errorf("distance after learning %.4f, expected < %.4f", r.Distance, before)
	}
}

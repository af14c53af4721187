package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func testPool(t *testing.T) *Pool {
	t.Helper()
	pool, err := NewPool(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("open test pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func unitVec(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func TestPersonLifecycle(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	id, err := pool.CreatePerson(ctx, "Alice", "alice")
	if err != nil {
		t.Fatalf("create person: %v", err)
	}

	p, err := pool.GetPerson(ctx, id)
	if err != nil {
		t.Fatalf("get person: %v", err)
	}
	if p.Name != "Alice" || p.OutputFolderRel != "alice" {
		t.Errorf("unexpected person: %+v", p)
	}

	if err := pool.DeletePerson(ctx, id); err != nil {
		t.Fatalf("delete person: %v", err)
	}
	if _, err := pool.GetPerson(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := pool.DeletePerson(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for second delete, got %v", err)
	}
}

func TestAddEmbeddingCreatesCentroid(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	id, err := pool.CreatePerson(ctx, "Alice", "alice")
	if err != nil {
		t.Fatalf("create person: %v", err)
	}

	if _, err := pool.AddEmbedding(ctx, id, unitVec(4, 0), SourceReference, 30); err != nil {
		t.Fatalf("add embedding: %v", err)
	}

	centroids, err := pool.AllCentroids(ctx)
	if err != nil {
		t.Fatalf("all centroids: %v", err)
	}
	if len(centroids) != 1 {
		t.Fatalf("expected 1 centroid, got %d", len(centroids))
	}
	if centroids[0].PersonID != id {
		t.Errorf("centroid for wrong person: %d", centroids[0].PersonID)
	}
	if !almostEqual(float64(centroids[0].Vector[0]), 1) {
		t.Errorf("unexpected centroid: %v", centroids[0].Vector)
	}
}

func TestFIFOEviction(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	id, err := pool.CreatePerson(ctx, "Alice", "alice")
	if err != nil {
		t.Fatalf("create person: %v", err)
	}

	// Cap of 3: inserting 5 must leave the 3 newest.
	const maxKeep = 3
	for i := 0; i < 5; i++ {
		if _, err := pool.AddEmbedding(ctx, id, unitVec(8, i), SourceLearned, maxKeep); err != nil {
			t.Fatalf("add embedding %d: %v", i, err)
		}
	}

	vectors, err := pool.PersonEmbeddings(ctx, id)
	if err != nil {
		t.Fatalf("person embeddings: %v", err)
	}
	if len(vectors) != maxKeep {
		t.Fatalf("expected %d embeddings after eviction, got %d", maxKeep, len(vectors))
	}
	// Survivors are the last three inserted, in insertion order.
	for i, v := range vectors {
		axis := i + 2
		if !almostEqual(float64(v[axis]), 1) {
			t.Errorf("survivor %d: expected axis %d, got %v", i, axis, v)
		}
	}
}

func TestCentroidTracksEviction(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	id, err := pool.CreatePerson(ctx, "Alice", "alice")
	if err != nil {
		t.Fatalf("create person: %v", err)
	}

	// With cap 1 the centroid must equal the latest embedding.
	if _, err := pool.AddEmbedding(ctx, id, unitVec(4, 0), SourceReference, 1); err != nil {
		t.Fatalf("add first: %v", err)
	}
	if _, err := pool.AddEmbedding(ctx, id, unitVec(4, 2), SourceLearned, 1); err != nil {
		t.Fatalf("add second: %v", err)
	}

	centroids, err := pool.AllCentroids(ctx)
	if err != nil {
		t.Fatalf("all centroids: %v", err)
	}
	if len(centroids) != 1 {
		t.Fatalf("expected 1 centroid, got %d", len(centroids))
	}
	if !almostEqual(float64(centroids[0].Vector[2]), 1) {
		t.Errorf("centroid should follow the surviving embedding: %v", centroids[0].Vector)
	}
}

func TestDeleteCascades(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	id, err := pool.CreatePerson(ctx, "Alice", "alice")
	if err != nil {
		t.Fatalf("create person: %v", err)
	}
	if _, err := pool.AddEmbedding(ctx, id, unitVec(4, 0), SourceReference, 30); err != nil {
		t.Fatalf("add embedding: %v", err)
	}

	if err := pool.DeletePerson(ctx, id); err != nil {
		t.Fatalf("delete person: %v", err)
	}

	centroids, err := pool.AllCentroids(ctx)
	if err != nil {
		t.Fatalf("all centroids: %v", err)
	}
	if len(centroids) != 0 {
		t.Errorf("expected centroid cascade delete, got %d rows", len(centroids))
	}
	vectors, err := pool.PersonEmbeddings(ctx, id)
	if err != nil {
		t.Fatalf("person embeddings: %v", err)
	}
	if len(vectors) != 0 {
		t.Errorf("expected embedding cascade delete, got %d rows", len(vectors))
	}
}

func TestAllCentroidsOrderedByPersonID(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	for _, name := range []string{"Zed", "Alice", "Mallory"} {
		id, err := pool.CreatePerson(ctx, name, name)
		if err != nil {
			t.Fatalf("create person: %v", err)
		}
		if _, err := pool.AddEmbedding(ctx, id, unitVec(4, 0), SourceReference, 30); err != nil {
			t.Fatalf("add embedding: %v", err)
		}
	}

	centroids, err := pool.AllCentroids(ctx)
	if err != nil {
		t.Fatalf("all centroids: %v", err)
	}
	for i := 1; i < len(centroids); i++ {
		if centroids[i].PersonID <= centroids[i-1].PersonID {
			t.Errorf("centroids not ordered by person id: %d before %d",
				centroids[i-1].PersonID, centroids[i].PersonID)
		}
	}
}

package database

import (
	"context"
	"database/sql"
	"fmt"
)

// AllPersons returns all registered persons with their embedding counts,
// ordered by name.
func (p *Pool) AllPersons(ctx context.Context) ([]Person, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT p.person_id, p.name, p.output_folder_rel, p.created_at,
		       COUNT(pe.embedding_id)
		FROM persons p
		LEFT JOIN person_embeddings pe ON p.person_id = pe.person_id
		GROUP BY p.person_id
		ORDER BY p.name`)
	if err != nil {
		return nil, fmt.Errorf("query persons: %w", err)
	}
	defer rows.Close()

	var persons []Person
	for rows.Next() {
		var person Person
		if err := rows.Scan(&person.ID, &person.Name, &person.OutputFolderRel, &person.CreatedAt, &person.EmbeddingCount); err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		persons = append(persons, person)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persons: %w", err)
	}
	return persons, nil
}

// GetPerson returns a single person by id, or ErrNotFound.
func (p *Pool) GetPerson(ctx context.Context, personID int64) (*Person, error) {
	var person Person
	err := p.db.QueryRowContext(ctx, `
		SELECT person_id, name, output_folder_rel, created_at
		FROM persons WHERE person_id = ?`, personID).
		Scan(&person.ID, &person.Name, &person.OutputFolderRel, &person.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query person %d: %w", personID, err)
	}
	return &person, nil
}

// CreatePerson adds a new person to the registry and returns the id.
func (p *Pool) CreatePerson(ctx context.Context, name, outputFolderRel string) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		"INSERT INTO persons (name, output_folder_rel) VALUES (?, ?)",
		name, outputFolderRel)
	if err != nil {
		return 0, fmt.Errorf("insert person: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("person id: %w", err)
	}
	return id, nil
}

// DeletePerson removes a person, cascading to embeddings and centroid.
// Returns ErrNotFound when the person does not exist.
func (p *Pool) DeletePerson(ctx context.Context, personID int64) error {
	res, err := p.db.ExecContext(ctx, "DELETE FROM persons WHERE person_id = ?", personID)
	if err != nil {
		return fmt.Errorf("delete person %d: %w", personID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete person %d: %w", personID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddEmbedding appends an embedding to a person, evicts the oldest rows
// beyond the per-person cap, and recomputes the centroid from the
// surviving set. The whole operation is one transaction; no partial state
// is observable.
func (p *Pool) AddEmbedding(ctx context.Context, personID int64, vector []float32, sourceType string, maxPerPerson int) (int64, error) {
	var embeddingID int64
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO person_embeddings (person_id, embedding, source_type, created_at)
			VALUES (?, ?, ?, ?)`,
			personID, SerializeVector(vector), sourceType, now())
		if err != nil {
			return fmt.Errorf("insert embedding: %w", err)
		}
		embeddingID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("embedding id: %w", err)
		}

		var count int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM person_embeddings WHERE person_id = ?", personID).
			Scan(&count); err != nil {
			return fmt.Errorf("count embeddings: %w", err)
		}

		if count > maxPerPerson {
			// FIFO: drop the oldest rows beyond the cap.
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM person_embeddings
				WHERE embedding_id IN (
					SELECT embedding_id FROM person_embeddings
					WHERE person_id = ?
					ORDER BY created_at ASC, embedding_id ASC
					LIMIT ?
				)`, personID, count-maxPerPerson); err != nil {
				return fmt.Errorf("evict embeddings: %w", err)
			}
		}

		return recomputeCentroid(ctx, tx, personID)
	})
	if err != nil {
		return 0, err
	}
	return embeddingID, nil
}

// recomputeCentroid rebuilds a person's centroid row from their surviving
// embeddings. Runs inside the caller's transaction. The centroid row
// exists iff the person has at least one embedding.
func recomputeCentroid(ctx context.Context, tx *sql.Tx, personID int64) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT embedding FROM person_embeddings WHERE person_id = ?", personID)
	if err != nil {
		return fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var vectors [][]float32
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return fmt.Errorf("scan embedding: %w", err)
		}
		v, err := DeserializeVector(blob)
		if err != nil {
			return fmt.Errorf("decode embedding: %w", err)
		}
		vectors = append(vectors, v)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate embeddings: %w", err)
	}
	rows.Close()

	if len(vectors) == 0 {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM person_centroids WHERE person_id = ?", personID); err != nil {
			return fmt.Errorf("delete centroid: %w", err)
		}
		return nil
	}

	centroid := MeanCentroid(vectors)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO person_centroids (person_id, centroid, embedding_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(person_id) DO UPDATE SET
			centroid = excluded.centroid,
			embedding_count = excluded.embedding_count,
			updated_at = excluded.updated_at`,
		personID, SerializeVector(centroid), len(vectors), now()); err != nil {
		return fmt.Errorf("upsert centroid: %w", err)
	}
	return nil
}

// AllCentroids returns every person that has a centroid, ready for
// matching.
func (p *Pool) AllCentroids(ctx context.Context) ([]Centroid, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT p.person_id, p.name, p.output_folder_rel, pc.centroid
		FROM persons p
		INNER JOIN person_centroids pc ON p.person_id = pc.person_id
		ORDER BY p.person_id`)
	if err != nil {
		return nil, fmt.Errorf("query centroids: %w", err)
	}
	defer rows.Close()

	var centroids []Centroid
	for rows.Next() {
		var c Centroid
		var blob []byte
		if err := rows.Scan(&c.PersonID, &c.Name, &c.OutputFolderRel, &blob); err != nil {
			return nil, fmt.Errorf("scan centroid: %w", err)
		}
		v, err := DeserializeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decode centroid for person %d: %w", c.PersonID, err)
		}
		c.Vector = v
		centroids = append(centroids, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate centroids: %w", err)
	}
	return centroids, nil
}

// PersonEmbeddings returns all embeddings for a person in insertion order.
func (p *Pool) PersonEmbeddings(ctx context.Context, personID int64) ([][]float32, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT embedding FROM person_embeddings
		WHERE person_id = ?
		ORDER BY created_at ASC, embedding_id ASC`, personID)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var vectors [][]float32
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		v, err := DeserializeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decode embedding: %w", err)
		}
		vectors = append(vectors, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}
	return vectors, nil
}

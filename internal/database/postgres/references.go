package postgres

import (
	"context"
	"fmt"

	"github.com/kozaktomas/sightline/internal/database"
	"github.com/pgvector/pgvector-go"
)

// ReferenceRepository stores reference embeddings in a pgvector column.
type ReferenceRepository struct {
	pool *Pool
}

// NewReferenceRepository creates a new PostgreSQL reference embedding repository.
func NewReferenceRepository(pool *Pool) *ReferenceRepository {
	return &ReferenceRepository{pool: pool}
}

// GetReferenceEmbeddings returns the stored embeddings of one kind for a case.
func (r *ReferenceRepository) GetReferenceEmbeddings(ctx context.Context, caseID string, kind database.ReferenceKind) ([]database.ReferenceEmbedding, error) {
	query := `
		SELECT case_id, photo_ref, kind, embedding, created_at
		FROM reference_embeddings
		WHERE case_id = $1 AND kind = $2
		ORDER BY id
	`
	rows, err := r.pool.Query(ctx, query, caseID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query reference embeddings: %w", err)
	}
	defer rows.Close()

	var result []database.ReferenceEmbedding
	for rows.Next() {
		var ref database.ReferenceEmbedding
		var vec pgvector.Vector
		if err := rows.Scan(&ref.CaseID, &ref.PhotoRef, &ref.Kind, &vec, &ref.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reference embedding: %w", err)
		}
		ref.Vector = vec.Slice()
		result = append(result, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reference embeddings: %w", err)
	}
	return result, nil
}

// SaveReferenceEmbeddings replaces the stored embeddings of one kind for a case.
func (r *ReferenceRepository) SaveReferenceEmbeddings(ctx context.Context, caseID string, kind database.ReferenceKind, refs []database.ReferenceEmbedding) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reference_embeddings WHERE case_id = $1 AND kind = $2`, caseID, string(kind)); err != nil {
		return fmt.Errorf("clear reference embeddings: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO reference_embeddings (case_id, photo_ref, kind, embedding)
		VALUES ($1, $2, $3, $4)
	`)
	if err != nil {
		return fmt.Errorf("prepare reference insert: %w", err)
	}
	defer stmt.Close()

	for _, ref := range refs {
		if len(ref.Vector) == 0 {
			continue
		}
		if _, err := stmt.ExecContext(ctx, caseID, ref.PhotoRef, string(kind), pgvector.NewVector(ref.Vector)); err != nil {
			return fmt.Errorf("insert reference embedding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reference embeddings: %w", err)
	}
	return nil
}

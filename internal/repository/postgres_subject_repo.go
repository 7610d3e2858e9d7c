package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/tutormatch/internal/model"
)

// PostgresSubjectRepo はPostgreSQLを使用した科目カタログリポジトリ。
type PostgresSubjectRepo struct {
	db *sql.DB
}

// NewPostgresSubjectRepo はPostgresSubjectRepoを生成する。
func NewPostgresSubjectRepo(db *sql.DB) *PostgresSubjectRepo {
	return &PostgresSubjectRepo{db: db}
}

// List はカタログの科目を名前順に返す。
func (r *PostgresSubjectRepo) List(ctx context.Context, limit int) ([]*model.Subject, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, slug, created_at
		 FROM subjects
		 ORDER BY name, slug
		 LIMIT $1`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list subjects: %w", err)
	}
	defer rows.Close()

	var subjects []*model.Subject
	for rows.Next() {
		s := &model.Subject{}
		if err := rows.Scan(&s.ID, &s.Name, &s.Slug, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		subjects = append(subjects, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subjects: %w", err)
	}
	return subjects, nil
}

// compile-time interface check
var _ SubjectCatalogRepository = (*PostgresSubjectRepo)(nil)

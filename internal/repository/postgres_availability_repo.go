package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/tutormatch/internal/model"
)

// PostgresAvailabilityRepo はPostgreSQLを使用したチューター空き時間リポジトリ。
type PostgresAvailabilityRepo struct {
	db *sql.DB
}

// NewPostgresAvailabilityRepo はPostgresAvailabilityRepoを生成する。
func NewPostgresAvailabilityRepo(db *sql.DB) *PostgresAvailabilityRepo {
	return &PostgresAvailabilityRepo{db: db}
}

// ListSubjectNames は空き時間レコードに現れる科目名を返す。
func (r *PostgresAvailabilityRepo) ListSubjectNames(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT subject FROM tutor_availability
		 ORDER BY created_at, id
		 LIMIT $1`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list availability subjects: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan availability subject: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate availability subjects: %w", err)
	}
	return names, nil
}

// FindBySubject は科目名が matchKey と一致する空き時間レコードを開始時刻順に返す。
func (r *PostgresAvailabilityRepo) FindBySubject(ctx context.Context, matchKey string, limit int) ([]*model.TutorAvailability, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, tutor_id, tutor_email, subject, start_time, end_time, created_at
		 FROM tutor_availability
		 WHERE `+normalizedMatchSQL("subject")+` = $1
		 ORDER BY start_time, id
		 LIMIT $2`,
		matchKey, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find availability by subject: %w", err)
	}
	defer rows.Close()

	var slots []*model.TutorAvailability
	for rows.Next() {
		a := &model.TutorAvailability{}
		var tutorID sql.NullString
		if err := rows.Scan(&a.ID, &tutorID, &a.TutorEmail, &a.Subject, &a.StartTime, &a.EndTime, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan availability: %w", err)
		}
		a.TutorID = stringPtr(tutorID)
		slots = append(slots, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate availability: %w", err)
	}
	return slots, nil
}

// compile-time interface check
var _ AvailabilityRepository = (*PostgresAvailabilityRepo)(nil)

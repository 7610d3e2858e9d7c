package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tutormatch/internal/model"
)

const instantRequestColumns = `id, student_id, subject, status, tutor_id,
	accepted_at, tutor_joined_at, student_joined_at, started_at, completed_at, cancelled_at,
	cancel_reason, version, created_at, updated_at`

// PostgresInstantRequestRepo はPostgreSQLを使用した即時セッションリクエストリポジトリ。
type PostgresInstantRequestRepo struct {
	db *sql.DB
}

// NewPostgresInstantRequestRepo はPostgresInstantRequestRepoを生成する。
func NewPostgresInstantRequestRepo(db *sql.DB) *PostgresInstantRequestRepo {
	return &PostgresInstantRequestRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstantRequest(row rowScanner) (*model.InstantRequest, error) {
	req := &model.InstantRequest{}
	var (
		tutorID                                    sql.NullString
		cancelReason                               sql.NullString
		acceptedAt, tutorJoinedAt, studentJoinedAt sql.NullTime
		startedAt, completedAt, cancelledAt        sql.NullTime
	)
	err := row.Scan(
		&req.ID, &req.StudentID, &req.Subject, &req.Status, &tutorID,
		&acceptedAt, &tutorJoinedAt, &studentJoinedAt, &startedAt, &completedAt, &cancelledAt,
		&cancelReason, &req.Version, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.TutorID = stringPtr(tutorID)
	req.CancelReason = stringPtr(cancelReason)
	req.AcceptedAt = timePtr(acceptedAt)
	req.TutorJoinedAt = timePtr(tutorJoinedAt)
	req.StudentJoinedAt = timePtr(studentJoinedAt)
	req.StartedAt = timePtr(startedAt)
	req.CompletedAt = timePtr(completedAt)
	req.CancelledAt = timePtr(cancelledAt)
	return req, nil
}

func (r *PostgresInstantRequestRepo) queryList(ctx context.Context, query string, args ...any) ([]*model.InstantRequest, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*model.InstantRequest
	for rows.Next() {
		req, err := scanInstantRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return reqs, nil
}

// Create はリクエストを open / version 1 として作成する。
// IDが空の場合はUUIDを採番する。
func (r *PostgresInstantRequestRepo) Create(ctx context.Context, req *model.InstantRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	req.Status = model.InstantStatusOpen
	req.Version = 1
	req.UpdatedAt = req.CreatedAt

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO instant_session_requests (id, student_id, subject, status, version, created_at, updated_at)
		 VALUES ($1, $2, $3, 'open', 1, $4, $4)`,
		req.ID, req.StudentID, req.Subject, req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create instant request: %w", err)
	}
	return nil
}

// FindByID は指定IDのリクエストを取得する。見つからない場合はnilを返す。
func (r *PostgresInstantRequestRepo) FindByID(ctx context.Context, id string) (*model.InstantRequest, error) {
	if !validUUID(id) {
		return nil, nil
	}
	req, err := scanInstantRequest(r.db.QueryRowContext(ctx,
		`SELECT `+instantRequestColumns+` FROM instant_session_requests WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find instant request by ID: %w", err)
	}
	return req, nil
}

// ListOpen は open 状態のリクエストを新しい順に返す。
func (r *PostgresInstantRequestRepo) ListOpen(ctx context.Context, matchKey string, limit int) ([]*model.InstantRequest, error) {
	var (
		reqs []*model.InstantRequest
		err  error
	)
	if matchKey == "" {
		reqs, err = r.queryList(ctx,
			`SELECT `+instantRequestColumns+` FROM instant_session_requests
			 WHERE status = 'open'
			 ORDER BY created_at DESC
			 LIMIT $1`,
			clampLimit(limit),
		)
	} else {
		reqs, err = r.queryList(ctx,
			`SELECT `+instantRequestColumns+` FROM instant_session_requests
			 WHERE status = 'open' AND `+normalizedMatchSQL("subject")+` = $1
			 ORDER BY created_at DESC
			 LIMIT $2`,
			matchKey, clampLimit(limit),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list open instant requests: %w", err)
	}
	return reqs, nil
}

// ListByStudent は生徒のリクエストを新しい順に返す。
func (r *PostgresInstantRequestRepo) ListByStudent(ctx context.Context, studentID string, limit int) ([]*model.InstantRequest, error) {
	if !validUUID(studentID) {
		return nil, nil
	}
	reqs, err := r.queryList(ctx,
		`SELECT `+instantRequestColumns+` FROM instant_session_requests
		 WHERE student_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		studentID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list instant requests by student: %w", err)
	}
	return reqs, nil
}

// ListByTutor はチューターに割り当てられたリクエストを新しい順に返す。
func (r *PostgresInstantRequestRepo) ListByTutor(ctx context.Context, tutorID string, limit int) ([]*model.InstantRequest, error) {
	if !validUUID(tutorID) {
		return nil, nil
	}
	reqs, err := r.queryList(ctx,
		`SELECT `+instantRequestColumns+` FROM instant_session_requests
		 WHERE tutor_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		tutorID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list instant requests by tutor: %w", err)
	}
	return reqs, nil
}

// ListStaleOpen は createdBefore より前に作成された open リクエストを古い順に返す。
func (r *PostgresInstantRequestRepo) ListStaleOpen(ctx context.Context, createdBefore time.Time, limit int) ([]*model.InstantRequest, error) {
	reqs, err := r.queryList(ctx,
		`SELECT `+instantRequestColumns+` FROM instant_session_requests
		 WHERE status = 'open' AND created_at < $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		createdBefore, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale open instant requests: %w", err)
	}
	return reqs, nil
}

// ListStaleAccepted は参加のないまま acceptedBefore を過ぎた accepted リクエストを古い順に返す。
func (r *PostgresInstantRequestRepo) ListStaleAccepted(ctx context.Context, acceptedBefore time.Time, limit int) ([]*model.InstantRequest, error) {
	reqs, err := r.queryList(ctx,
		`SELECT `+instantRequestColumns+` FROM instant_session_requests
		 WHERE status = 'accepted'
		   AND accepted_at < $1
		   AND tutor_joined_at IS NULL
		   AND student_joined_at IS NULL
		 ORDER BY accepted_at ASC
		 LIMIT $2`,
		acceptedBefore, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale accepted instant requests: %w", err)
	}
	return reqs, nil
}

// TryClaim は open のリクエストを1文の条件付き更新で accepted にする。
// 同時に複数のチューターが呼んでも、WHERE status = 'open' を満たして更新できるのは1件だけである。
func (r *PostgresInstantRequestRepo) TryClaim(ctx context.Context, id, tutorID string, now time.Time) (*model.InstantRequest, error) {
	if !validUUID(id) || !validUUID(tutorID) {
		return nil, nil
	}
	req, err := scanInstantRequest(r.db.QueryRowContext(ctx,
		`UPDATE instant_session_requests
		 SET status = 'accepted',
		     tutor_id = $2,
		     accepted_at = $3,
		     updated_at = $3,
		     version = version + 1
		 WHERE id = $1 AND status = 'open'
		 RETURNING `+instantRequestColumns,
		id, tutorID, now,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim instant request: %w", err)
	}
	return req, nil
}

// CompareAndSwap は version が一致するときだけライフサイクル列を書き換える。
func (r *PostgresInstantRequestRepo) CompareAndSwap(ctx context.Context, next *model.InstantRequest, expectedVersion int) (bool, error) {
	if !validUUID(next.ID) {
		return false, nil
	}
	var newVersion int
	err := r.db.QueryRowContext(ctx,
		`UPDATE instant_session_requests
		 SET status = $3,
		     tutor_id = $4,
		     accepted_at = $5,
		     tutor_joined_at = $6,
		     student_joined_at = $7,
		     started_at = $8,
		     completed_at = $9,
		     cancelled_at = $10,
		     cancel_reason = $11,
		     updated_at = $12,
		     version = version + 1
		 WHERE id = $1 AND version = $2
		 RETURNING version`,
		next.ID,
		expectedVersion,
		next.Status,
		nullStringPtr(next.TutorID),
		nullTimePtr(next.AcceptedAt),
		nullTimePtr(next.TutorJoinedAt),
		nullTimePtr(next.StudentJoinedAt),
		nullTimePtr(next.StartedAt),
		nullTimePtr(next.CompletedAt),
		nullTimePtr(next.CancelledAt),
		nullStringPtr(next.CancelReason),
		next.UpdatedAt,
	).Scan(&newVersion)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to update instant request: %w", err)
	}
	next.Version = newVersion
	return true, nil
}

// compile-time interface check
var _ InstantRequestRepository = (*PostgresInstantRequestRepo)(nil)

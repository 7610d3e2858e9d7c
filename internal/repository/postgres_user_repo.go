package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/tutormatch/internal/model"
)

const userColumns = `id, email, display_name, avatar_url, role, subjects, created_at, updated_at`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

func scanUser(row rowScanner) (*model.User, error) {
	user := &model.User{}
	var subjects pq.StringArray
	if err := row.Scan(
		&user.ID, &user.Email, &user.DisplayName, &user.AvatarURL, &user.Role,
		&subjects, &user.CreatedAt, &user.UpdatedAt,
	); err != nil {
		return nil, err
	}
	user.Subjects = []string(subjects)
	return user, nil
}

func (r *PostgresUserRepo) queryUsers(ctx context.Context, query string, args ...any) ([]*model.User, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if !validUUID(id) {
		return nil, nil
	}
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByIDs は複数IDのユーザーを1クエリで取得する。
func (r *PostgresUserRepo) FindByIDs(ctx context.Context, ids []string) ([]*model.User, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if validUUID(id) {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return nil, nil
	}
	users, err := r.queryUsers(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ANY($1::uuid[])`,
		pq.Array(valid),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find users by IDs: %w", err)
	}
	return users, nil
}

// ListTutorSubjects はチューターのプロフィールに記載された科目名を返す。
func (r *PostgresUserRepo) ListTutorSubjects(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.subject
		 FROM users u, unnest(u.subjects) AS s(subject)
		 WHERE u.role = 'tutor'
		 ORDER BY u.created_at, u.id
		 LIMIT $1`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tutor subjects: %w", err)
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan tutor subject: %w", err)
		}
		subjects = append(subjects, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tutor subjects: %w", err)
	}
	return subjects, nil
}

// FindTutorsBySubject はプロフィールの科目名が matchKey と一致するチューターを返す。
// 部分一致ではなく正規化後の完全一致で判定する。
func (r *PostgresUserRepo) FindTutorsBySubject(ctx context.Context, matchKey string, limit int) ([]*model.User, error) {
	users, err := r.queryUsers(ctx,
		`SELECT `+userColumns+` FROM users u
		 WHERE u.role = 'tutor'
		   AND EXISTS (
		       SELECT 1 FROM unnest(u.subjects) AS s(subject)
		       WHERE `+normalizedMatchSQL("s.subject")+` = $1
		   )
		 ORDER BY u.created_at, u.id
		 LIMIT $2`,
		matchKey, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find tutors by subject: %w", err)
	}
	return users, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)

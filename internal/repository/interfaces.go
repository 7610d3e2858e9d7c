// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/tutormatch/internal/model"
)

// InstantRequestRepository は即時セッションリクエストの永続化インターフェース。
// 状態遷移の書き込みは必ず条件付き（TryClaim / CompareAndSwap）で行い、
// 複数インスタンス間の排他はこの単一行の条件付き更新だけに依存する。
type InstantRequestRepository interface {
	// Create はリクエストを open / version 1 として作成する。
	// 引数のStatusやVersionは無視され、保存後の値が書き戻される。
	Create(ctx context.Context, req *model.InstantRequest) error

	// FindByID は指定IDのリクエストを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.InstantRequest, error)

	// ListOpen は open 状態のリクエストを新しい順に返す。
	// matchKeyが空でない場合は正規化済み科目名の完全一致（大文字小文字無視）で絞り込む。
	ListOpen(ctx context.Context, matchKey string, limit int) ([]*model.InstantRequest, error)

	// ListByStudent は生徒のリクエストを新しい順に返す。
	ListByStudent(ctx context.Context, studentID string, limit int) ([]*model.InstantRequest, error)

	// ListByTutor はチューターに割り当てられたリクエストを新しい順に返す。
	ListByTutor(ctx context.Context, tutorID string, limit int) ([]*model.InstantRequest, error)

	// ListStaleOpen は createdBefore より前に作成された open リクエストを古い順に返す。
	ListStaleOpen(ctx context.Context, createdBefore time.Time, limit int) ([]*model.InstantRequest, error)

	// ListStaleAccepted は acceptedBefore より前に確保され、
	// どちらも参加していない accepted リクエストを古い順に返す。
	ListStaleAccepted(ctx context.Context, acceptedBefore time.Time, limit int) ([]*model.InstantRequest, error)

	// TryClaim は open のリクエストを1文の条件付き更新で accepted にする。
	// 前提条件を満たさなかった場合（既に確保済み、存在しない）はnil, nilを返す。
	TryClaim(ctx context.Context, id, tutorID string, now time.Time) (*model.InstantRequest, error)

	// CompareAndSwap は version が expectedVersion のときだけ next の内容で行を更新する。
	// 成功時は next.Version を更新後の値に書き換えてtrueを返す。
	// 他の書き込みが先行していた場合はfalseを返す。
	CompareAndSwap(ctx context.Context, next *model.InstantRequest, expectedVersion int) (bool, error)
}

// UserRepository はプロフィールストアの参照インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByIDs は複数IDのユーザーをまとめて取得する。存在しないIDは結果に含まれない。
	FindByIDs(ctx context.Context, ids []string) ([]*model.User, error)

	// ListTutorSubjects はチューターのプロフィールに記載された科目名を返す（重複あり）。
	ListTutorSubjects(ctx context.Context, limit int) ([]string, error)

	// FindTutorsBySubject はプロフィールの科目名が matchKey と一致するチューターを返す。
	FindTutorsBySubject(ctx context.Context, matchKey string, limit int) ([]*model.User, error)
}

// SessionRepository はセッションデータの参照インターフェース。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// SubjectCatalogRepository は科目カタログの参照インターフェース。
type SubjectCatalogRepository interface {
	// List はカタログの科目を名前順に返す。
	List(ctx context.Context, limit int) ([]*model.Subject, error)
}

// AvailabilityRepository はチューター空き時間レコードの参照インターフェース。
type AvailabilityRepository interface {
	// ListSubjectNames は空き時間レコードに現れる科目名を返す（重複あり）。
	ListSubjectNames(ctx context.Context, limit int) ([]string, error)

	// FindBySubject は科目名が matchKey と一致する空き時間レコードを開始時刻順に返す。
	FindBySubject(ctx context.Context, matchKey string, limit int) ([]*model.TutorAvailability, error)
}

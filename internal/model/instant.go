// Package model はドメインモデルを定義する。
package model

import "time"

// InstantStatus は即時セッションリクエストのライフサイクル状態を表す。
type InstantStatus string

const (
	// InstantStatusOpen はチューター未割り当ての初期状態。
	InstantStatusOpen InstantStatus = "open"
	// InstantStatusAccepted はチューターが確保した状態。
	InstantStatusAccepted InstantStatus = "accepted"
	// InstantStatusInProgress はセッション開始済みの状態。
	InstantStatusInProgress InstantStatus = "in_progress"
	// InstantStatusCompleted は完了した終端状態。
	InstantStatusCompleted InstantStatus = "completed"
	// InstantStatusCancelled はキャンセルされた終端状態。
	InstantStatusCancelled InstantStatus = "cancelled"
)

// IsTerminal は終端状態（completed / cancelled）かどうかを返す。
func (s InstantStatus) IsTerminal() bool {
	return s == InstantStatusCompleted || s == InstantStatusCancelled
}

// Valid は定義済みのステータス値かどうかを返す。
func (s InstantStatus) Valid() bool {
	switch s {
	case InstantStatusOpen, InstantStatusAccepted, InstantStatusInProgress,
		InstantStatusCompleted, InstantStatusCancelled:
		return true
	}
	return false
}

// リーパーが使用するキャンセル理由。
const (
	CancelReasonExpiredUnclaimed = "expired_unclaimed"
	CancelReasonExpiredUnjoined  = "expired_unjoined"
)

// InstantRequest は生徒の「今すぐ教えてほしい」リクエストを表す。
// 状態の変更はinstant.Serviceの遷移操作を通してのみ行う。
type InstantRequest struct {
	ID              string
	StudentID       string
	Subject         string // 正規化済み（前後空白除去・連続空白の圧縮）
	Status          InstantStatus
	TutorID         *string
	AcceptedAt      *time.Time
	TutorJoinedAt   *time.Time
	StudentJoinedAt *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CancelledAt     *time.Time
	CancelReason    *string
	Version         int // 条件付き更新のたびに1増える楽観ロック用トークン
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone はポインタフィールドも含めて複製する。
// 遷移計算で元のスナップショットを変更しないために使う。
func (r *InstantRequest) Clone() *InstantRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.TutorID = cloneString(r.TutorID)
	c.CancelReason = cloneString(r.CancelReason)
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.TutorJoinedAt = cloneTime(r.TutorJoinedAt)
	c.StudentJoinedAt = cloneTime(r.StudentJoinedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	return &c
}

// IsTutor は指定ユーザーが割り当て済みチューターかどうかを返す。
func (r *InstantRequest) IsTutor(userID string) bool {
	return r.TutorID != nil && *r.TutorID == userID
}

// IsParticipant は生徒または割り当て済みチューターかどうかを返す。
func (r *InstantRequest) IsParticipant(userID string) bool {
	return r.StudentID == userID || r.IsTutor(userID)
}

// Joined はどちらかの参加フラグが立っているかを返す。
func (r *InstantRequest) Joined() bool {
	return r.TutorJoinedAt != nil || r.StudentJoinedAt != nil
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

package notify

import (
	"time"

	"github.com/hitoshi/tutormatch/internal/model"
)

// SessionView は即時セッションリクエストのJSON表現。
// HTTPレスポンスとイベント配信で同じ形を使う。
type SessionView struct {
	ID              string     `json:"id"`
	StudentID       string     `json:"studentId"`
	Subject         string     `json:"subject"`
	Status          string     `json:"status"`
	TutorID         *string    `json:"tutorId"`
	AcceptedAt      *time.Time `json:"acceptedAt"`
	TutorJoinedAt   *time.Time `json:"tutorJoinedAt"`
	StudentJoinedAt *time.Time `json:"studentJoinedAt"`
	StartedAt       *time.Time `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt"`
	CancelledAt     *time.Time `json:"cancelledAt"`
	CancelReason    *string    `json:"cancelReason"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// NewSessionView はモデルからJSON表現を生成する。
func NewSessionView(r *model.InstantRequest) SessionView {
	return SessionView{
		ID:              r.ID,
		StudentID:       r.StudentID,
		Subject:         r.Subject,
		Status:          string(r.Status),
		TutorID:         r.TutorID,
		AcceptedAt:      r.AcceptedAt,
		TutorJoinedAt:   r.TutorJoinedAt,
		StudentJoinedAt: r.StudentJoinedAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		CancelledAt:     r.CancelledAt,
		CancelReason:    r.CancelReason,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// Message はWebSocket・Webhookで配信するイベントのJSON表現。
type Message struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	OccurredAt time.Time   `json:"occurredAt"`
	Session    SessionView `json:"session"`
}

// NewMessage はイベントから配信用メッセージを生成する。
func NewMessage(ev model.Event) Message {
	return Message{
		ID:         ev.ID,
		Type:       string(ev.Type),
		OccurredAt: ev.OccurredAt,
		Session:    NewSessionView(ev.Request),
	}
}

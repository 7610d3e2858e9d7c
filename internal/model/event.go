package model

import "time"

// EventType はライフサイクルイベントの種類。
type EventType string

const (
	EventRequestCreated       EventType = "request.created"
	EventRequestAccepted      EventType = "request.accepted"
	EventRequestTutorJoined   EventType = "request.tutor_joined"
	EventRequestStudentJoined EventType = "request.student_joined"
	EventRequestStarted       EventType = "request.started"
	EventRequestCompleted     EventType = "request.completed"
	EventRequestCancelled     EventType = "request.cancelled"
)

// Event は永続化済みの遷移を通知するためのメッセージ。
// Requestは遷移後のスナップショットで、受信側から変更されないよう複製を持つ。
type Event struct {
	ID         string
	Type       EventType
	Request    *InstantRequest
	OccurredAt time.Time
}

package instant

import (
	"time"

	"github.com/hitoshi/tutormatch/internal/model"
)

// transition は読み込んだスナップショットから次の状態を計算する純粋関数。
// 変更がない（再送の冪等な受け流し）場合は nil, nil を返す。
// 戻り値のリクエストは cur の複製であり、cur 自体は変更しない。
type transition func(cur *model.InstantRequest, now time.Time) (*model.InstantRequest, error)

func markTutorJoined(actor model.Actor) transition {
	return func(cur *model.InstantRequest, now time.Time) (*model.InstantRequest, error) {
		if cur.TutorID == nil {
			return nil, model.NewInvalidStateError(opTutorJoined, cur.Status)
		}
		if !cur.IsTutor(actor.ID) {
			return nil, model.NewForbiddenError("割り当てられたチューターのみ参加を記録できます")
		}
		if cur.TutorJoinedAt != nil {
			return nil, nil
		}
		if !joinable(cur.Status) {
			return nil, model.NewInvalidStateError(opTutorJoined, cur.Status)
		}
		next := cur.Clone()
		next.TutorJoinedAt = &now
		return next, nil
	}
}

func markStudentJoined(actor model.Actor) transition {
	return func(cur *model.InstantRequest, now time.Time) (*model.InstantRequest, error) {
		if cur.StudentID != actor.ID {
			return nil, model.NewForbiddenError("リクエストした生徒のみ参加を記録できます")
		}
		if cur.StudentJoinedAt != nil {
			return nil, nil
		}
		if !joinable(cur.Status) {
			return nil, model.NewInvalidStateError(opStudentJoined, cur.Status)
		}
		next := cur.Clone()
		next.StudentJoinedAt = &now
		return next, nil
	}
}

// joinable は参加フラグを立てられる状態かどうかを返す。
// 開始後に遅れて参加した場合も記録できるよう in_progress を含める。
func joinable(s model.InstantStatus) bool {
	return s == model.InstantStatusAccepted || s == model.InstantStatusInProgress
}

func startSession(actor model.Actor) transition {
	return func(cur *model.InstantRequest, now time.Time) (*model.InstantRequest, error) {
		if !cur.IsParticipant(actor.ID) {
			return nil, model.NewForbiddenError("セッションの参加者のみ開始できます")
		}
		switch cur.Status {
		case model.InstantStatusInProgress:
			return nil, nil
		case model.InstantStatusAccepted:
			next := cur.Clone()
			next.Status = model.InstantStatusInProgress
			next.StartedAt = &now
			return next, nil
		default:
			return nil, model.NewInvalidStateError(opStart, cur.Status)
		}
	}
}

func completeSession(actor model.Actor) transition {
	return func(cur *model.InstantRequest, now time.Time) (*model.InstantRequest, error) {
		if !cur.IsParticipant(actor.ID) {
			return nil, model.NewForbiddenError("セッションの参加者のみ完了できます")
		}
		switch cur.Status {
		case model.InstantStatusCompleted:
			return nil, nil
		case model.InstantStatusInProgress:
			next := cur.Clone()
			next.Status = model.InstantStatusCompleted
			next.CompletedAt = &now
			return next, nil
		default:
			return nil, model.NewInvalidStateError(opComplete, cur.Status)
		}
	}
}

func cancelRequest(actor model.Actor, reason string) transition {
	return func(cur *model.InstantRequest, now time.Time) (*model.InstantRequest, error) {
		if !cur.IsParticipant(actor.ID) {
			return nil, model.NewForbiddenError("リクエストした生徒または割り当てられたチューターのみキャンセルできます")
		}
		if cur.Status == model.InstantStatusCancelled {
			return nil, nil
		}
		return cancelled(cur, now, reason, opCancel)
	}
}

// expire はリーパー用のキャンセル遷移。最新の状態で期限切れ条件を再確認し、
// 条件を満たさなくなっていれば（確保された、参加した、既に終端など）変更しない。
func expire(reason string, cutoff time.Time) transition {
	return func(cur *model.InstantRequest, now time.Time) (*model.InstantRequest, error) {
		switch reason {
		case model.CancelReasonExpiredUnclaimed:
			if cur.Status != model.InstantStatusOpen || !cur.CreatedAt.Before(cutoff) {
				return nil, nil
			}
		case model.CancelReasonExpiredUnjoined:
			if cur.Status != model.InstantStatusAccepted || cur.Joined() ||
				cur.AcceptedAt == nil || !cur.AcceptedAt.Before(cutoff) {
				return nil, nil
			}
		default:
			return nil, model.NewInvalidArgumentError("未知の期限切れ理由です: " + reason)
		}
		return cancelled(cur, now, reason, opExpire)
	}
}

// cancelled は open / accepted からのキャンセル遷移を作る。
// 開始済み・終端状態からはキャンセルできない。
func cancelled(cur *model.InstantRequest, now time.Time, reason, op string) (*model.InstantRequest, error) {
	if cur.Status != model.InstantStatusOpen && cur.Status != model.InstantStatusAccepted {
		return nil, model.NewInvalidStateError(op, cur.Status)
	}
	next := cur.Clone()
	next.Status = model.InstantStatusCancelled
	next.CancelledAt = &now
	if reason != "" {
		next.CancelReason = &reason
	} else {
		next.CancelReason = nil
	}
	return next, nil
}

// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, session, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidArgument = "INVALID_ARGUMENT"
	ErrCodeAlreadyClaimed  = "ALREADY_CLAIMED"
	ErrCodeInvalidState    = "INVALID_STATE"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeRequestNotFound = "REQUEST_NOT_FOUND"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// HasCode はerrがAPIErrorであり、指定コードを持つかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewInvalidArgumentError は入力不正エラーを生成する。
func NewInvalidArgumentError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidArgument,
		Message:  fmt.Sprintf("入力が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewAlreadyClaimedError は他のチューターが先にリクエストを確保した場合のエラーを生成する。
func NewAlreadyClaimedError(requestID string) *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyClaimed,
		Message:  fmt.Sprintf("このリクエストは既に受付済みか、受付できない状態です: %s", requestID),
		Category: "session",
		Action:   "一覧を更新し、別のリクエストを選択してください。",
	}
}

// NewInvalidStateError は現在の状態から許可されない遷移のエラーを生成する。
func NewInvalidStateError(op string, status InstantStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  fmt.Sprintf("現在の状態（%s）では %s を実行できません。", status, op),
		Category: "session",
		Action:   "セッションの状態を確認してください。",
	}
}

// NewForbiddenError はリクエストの当事者でない場合のエラーを生成する。
func NewForbiddenError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  fmt.Sprintf("この操作は許可されていません: %s", reason),
		Category: "auth",
		Action:   "自分が参加しているセッションに対してのみ操作できます。",
	}
}

// NewRequestNotFoundError はリクエスト未検出エラーを生成する。
func NewRequestNotFoundError(requestID string) *APIError {
	return &APIError{
		Code:     ErrCodeRequestNotFound,
		Message:  fmt.Sprintf("指定されたリクエストが見つかりません: %s", requestID),
		Category: "session",
		Action:   "リクエストIDを確認してください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

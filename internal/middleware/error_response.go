package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/tutormatch/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// requestId はログとの突き合わせ用で、リクエストIDミドルウェアの内側でのみ付く。
type ErrorResponseBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Category  string `json:"category"`
	Action    string `json:"action"`
	RequestID string `json:"requestId,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// ハンドラーとミドルウェアの双方がこの形式を使う。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	body := ErrorResponseBody{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Category:  apiErr.Category,
		Action:    apiErr.Action,
		RequestID: w.Header().Get(RequestIDHeader),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

var internalServerError = model.APIError{
	Code:     model.ErrCodeInternal,
	Message:  "内部エラーが発生しました。",
	Category: "system",
	Action:   "しばらく待ってから再度お試しください。",
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	apiErr := internalServerError
	WriteErrorResponse(w, http.StatusInternalServerError, &apiErr)
}

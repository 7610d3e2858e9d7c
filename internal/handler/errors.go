package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/tutormatch/internal/middleware"
	"github.com/hitoshi/tutormatch/internal/model"
)

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// writeJSON は200系のJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
// opはFORBIDDENの扱いを操作ごとに変えるために使う。
func handleServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(op, apiErr), apiErr)
		return
	}

	// APIError以外は詳細をログのみに残す
	slog.ErrorContext(r.Context(), "internal server error",
		slog.String("operation", op),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
// キャンセルのFORBIDDENは他の操作と異なり400で返す。
func mapAPIErrorToHTTPStatus(op string, apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidArgument, model.ErrCodeAlreadyClaimed, model.ErrCodeInvalidState:
		return http.StatusBadRequest
	case model.ErrCodeForbidden:
		if op == opCancel {
			return http.StatusBadRequest
		}
		return http.StatusForbidden
	case model.ErrCodeRequestNotFound:
		return http.StatusNotFound
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// requireActor はコンテキストから認証済みアクターを取り出す。
// 取り出せない場合は401を書き込みfalseを返す。
func requireActor(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	actor, err := middleware.ActorFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return model.Actor{}, false
	}
	return actor, true
}

// parseLimit はクエリのlimitを解析する。未指定は0（サービス側の既定値）を返す。
func parseLimit(r *http.Request) (int, *model.APIError) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, model.NewInvalidArgumentError("limit は0以上の整数で指定してください")
	}
	return n, nil
}

// decodeOptionalJSON はリクエストボディをdstに読み込む。空ボディは許可する。
func decodeOptionalJSON(r *http.Request, dst any) *model.APIError {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if r.ContentLength < 0 && errors.Is(err, io.EOF) {
			return nil
		}
		return model.NewInvalidArgumentError("リクエストボディの解析に失敗しました")
	}
	return nil
}


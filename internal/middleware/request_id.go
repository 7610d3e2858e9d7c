package middleware

import (
	"net/http"
	"regexp"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// RequestIDHeader はリクエストIDをやり取りするヘッダー名。
const RequestIDHeader = "X-Request-Id"

// クライアント指定のIDはログに載るため、短い英数字記号だけを受け入れる。
var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// NewRequestIDMiddleware はリクエストごとのIDをコンテキストとレスポンスヘッダーに設定する。
// 形式の正しいX-Request-Idが付いていればそれを引き継ぎ、なければ生成する。
func NewRequestIDMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		withID := chimw.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(RequestIDHeader, chimw.GetReqID(r.Context()))
			next.ServeHTTP(w, r)
		}))
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := r.Header.Get(RequestIDHeader); id != "" && !validRequestID.MatchString(id) {
				r.Header.Del(RequestIDHeader)
			}
			withID.ServeHTTP(w, r)
		})
	}
}

// RequestIDFromRequest はミドルウェアが設定したリクエストIDを返す。未設定なら空文字。
func RequestIDFromRequest(r *http.Request) string {
	return chimw.GetReqID(r.Context())
}

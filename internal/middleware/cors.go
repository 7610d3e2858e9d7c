package middleware

import (
	"net/http"

	"github.com/hitoshi/tutormatch/internal/security"
)

const (
	corsAllowMethods = "GET, POST, OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization, X-CSRF-Token"
)

// NewCORSMiddleware は許可リストに含まれるOriginにだけCORSヘッダーを返すミドルウェアを生成する。
// credentials送信と共存するため、Access-Control-Allow-Origin にはワイルドカードではなく
// リクエストのOriginをそのまま返す。OPTIONSプリフライトは許可の有無にかかわらず204で終える。
func NewCORSMiddleware(origins security.OriginAllowlist) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")

			if origin := r.Header.Get("Origin"); origins.Allows(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

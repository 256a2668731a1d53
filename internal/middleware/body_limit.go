package middleware

import "net/http"

// NewBodyLimitMiddleware はリクエスト本文をmaxBytesまでに制限するミドルウェアを返す。
// 後続のフォーム解析やJSONデコードは上限を超えた時点でエラーになる。
func NewBodyLimitMiddleware(maxBytes int64) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

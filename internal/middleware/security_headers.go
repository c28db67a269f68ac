package middleware

import "net/http"

// securityHeaders は全レスポンスへ一律に付与する固定のセキュリティヘッダー。
var securityHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
	"Referrer-Policy":        "strict-origin-when-cross-origin",
	"Permissions-Policy":     "camera=(), microphone=(), geolocation=()",
}

// NewSecurityHeadersMiddleware はsecurityHeadersをレスポンスへ付与するミドルウェアを返す。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for name, value := range securityHeaders {
				h.Set(name, value)
			}
			next.ServeHTTP(w, r)
		})
	}
}

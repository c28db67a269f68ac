// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/hitoshi/autopress/internal/model"
)

const bearerPrefix = "Bearer "

// NewAuthMiddleware は管理トークンによるBearer認証ミドルウェアを返す。
// Authorization: Bearer <token> を検証し、欠落・不一致時は
// 401の統一エラーフォーマットを返す。
// トークン比較はタイミング攻撃を避けるため定数時間比較で行う。
func NewAuthMiddleware(adminToken string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			if subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
// Bearer形式でない場合や空の場合は空文字列を返す。
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) <= len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(header[len(bearerPrefix):])
}

package handler

import (
	"context"
	"net/http"
	"time"
)

// healthCheckTimeout はDB死活確認のタイムアウト。
const healthCheckTimeout = 2 * time.Second

// HealthChecker はDB死活確認のインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// healthResponse はヘルスチェックのレスポンス。
type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// NewHealthHandler はヘルスチェックエンドポイントのハンドラーを返す。
// プロセスの生存とDB接続を確認する。コンテナのhealthcheckから叩かれるため認証不要。
func NewHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := checker.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Database: "unreachable"})
			return
		}

		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Database: "ok"})
	}
}

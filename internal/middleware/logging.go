package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// responseRecorder はhttp.ResponseWriterをラップし、最初に確定した
// ステータスコードを保持する。
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	if rr.status == 0 {
		rr.status = code
	}
	rr.ResponseWriter.WriteHeader(code)
}

// Write はボディを書き込む。WriteHeader未呼び出しのWriteは
// net/httpが200を暗黙送信するため、ここでも200として記録する。
func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}

// Status は記録済みのステータスコードを返す。未書き込みの場合は200とみなす。
func (rr *responseRecorder) Status() int {
	if rr.status == 0 {
		return http.StatusOK
	}
	return rr.status
}

// levelForStatus はHTTPステータスコードに応じたログレベルを返す。
// 5xxはエラー、4xxは警告、それ以外は情報として記録する。
func levelForStatus(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// NewLoggingMiddleware は1リクエスト1行のJSON構造化ログを出力するミドルウェアを返す。
// リクエストごとにUUIDのリクエストIDを採番し、コンテキストと
// X-Request-IDレスポンスヘッダーへ設定する。
// ログにはmethod、path、status、duration_ms、request_idを含む。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := uuid.New().String()
			ctx := ContextWithRequestID(r.Context(), requestID)
			w.Header().Set("X-Request-ID", requestID)

			rec := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r.WithContext(ctx))

			status := rec.Status()
			logger.Log(ctx, levelForStatus(status), "http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000.0),
				slog.String("request_id", requestID),
			)
		})
	}
}

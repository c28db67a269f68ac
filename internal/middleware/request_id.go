package middleware

import (
	"context"
	"fmt"
)

// contextKey はコンテキスト値の衝突を避けるためのパッケージ内専用キー型。
type contextKey string

const requestIDContextKey contextKey = "request_id"

// ContextWithRequestID はコンテキストへリクエストIDを注入する。
// ミドルウェアを経由しない処理（テストやバッチ起点）でログを紐付けたい場合にも使う。
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, requestID)
}

// RequestIDFromContext はコンテキストからリクエストIDを取り出す。
// ロギングミドルウェアを通過していないコンテキストではエラーを返す。
func RequestIDFromContext(ctx context.Context) (string, error) {
	requestID, ok := ctx.Value(requestIDContextKey).(string)
	if !ok || requestID == "" {
		return "", fmt.Errorf("request ID not found in context")
	}
	return requestID, nil
}

package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/autopress/internal/model"
)

// withBearer はリクエストにBearerトークンのAuthorizationヘッダーを付与して返す。
func withBearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// buildChain は本番と同じ順序でミドルウェアチェーンを構築する。
// recovery → security headers → logging → CORS → rate limit → auth
func buildChain(rl *RateLimiter, logger *slog.Logger, adminToken string, handler http.Handler) http.Handler {
	h := NewAuthMiddleware(adminToken)(handler)
	h = rl.GeneralMiddleware()(h)
	h = NewCORSMiddleware("http://localhost:3000")(h)
	h = NewLoggingMiddleware(logger)(h)
	h = NewSecurityHeadersMiddleware()(h)
	h = NewRecoveryMiddleware()(h)
	return h
}

// TestMiddlewareChain_AuthorizedRequest_PassesFullChain は
// 正しいトークンを持つリクエストがチェーン全体を通過することを検証する。
func TestMiddlewareChain_AuthorizedRequest_PassesFullChain(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	defer rl.Stop()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	handlerCalled := false
	handler := buildChain(rl, logger, "chain-admin-token", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusOK)
	}))

	req := withBearer(httptest.NewRequest(http.MethodGet, "/api/sources", nil), "chain-admin-token")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if !handlerCalled {
		t.Error("handler should have been called")
	}

	// チェーン上の各ミドルウェアがレスポンスヘッダーを付与していること
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", got, "nosniff")
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "http://localhost:3000")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header should be set")
	}
}

// TestMiddlewareChain_NoToken_Returns401 は
// トークンなしのリクエストが401で拒否されることを検証する。
func TestMiddlewareChain_NoToken_Returns401(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	defer rl.Stop()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	handler := buildChain(rl, logger, "chain-admin-token", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/sources", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body.Code != model.ErrCodeUnauthorized {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeUnauthorized)
	}
}

// TestMiddlewareChain_RateLimitRunsBeforeAuth は
// レート制限が認証より前段で動作し、トークンなしのクライアントも制限されることを検証する。
func TestMiddlewareChain_RateLimitRunsBeforeAuth(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		PollRate:        1,
		PollBurst:       10,
		CleanupInterval: 1 * time.Minute,
	}
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	handler := buildChain(rl, logger, "chain-admin-token", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	// 1回目: レート制限を通過し、認証で401
	req1 := httptest.NewRequest(http.MethodGet, "/api/sources", nil)
	req1.RemoteAddr = "198.51.100.20:40001"
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req1)

	if w1.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("request 1: status = %d, want %d", w1.Result().StatusCode, http.StatusUnauthorized)
	}

	// 2回目: 認証に到達する前にレート制限で429
	req2 := httptest.NewRequest(http.MethodGet, "/api/sources", nil)
	req2.RemoteAddr = "198.51.100.20:40002"
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)

	if w2.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("request 2: status = %d, want %d", w2.Result().StatusCode, http.StatusTooManyRequests)
	}
}

// TestMiddlewareChain_PanicInHandler_Returns500 は
// ハンドラー内のpanicがrecoveryミドルウェアで捕捉され500が返ることを検証する。
func TestMiddlewareChain_PanicInHandler_Returns500(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	defer rl.Stop()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	handler := buildChain(rl, logger, "chain-admin-token", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("something broke")
	}))

	req := withBearer(httptest.NewRequest(http.MethodGet, "/api/sources", nil), "chain-admin-token")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusInternalServerError)
	}
}

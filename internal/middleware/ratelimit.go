package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/autopress/internal/model"
)

// RateLimiterConfig は2系統のレート制限の設定値。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般の補充レート（req/sec換算）
	GeneralBurst    int           // API全般で許容する瞬間的な連続リクエスト数
	PollRate        rate.Limit    // 手動ポーリングの補充レート（req/sec換算）
	PollBurst       int           // 手動ポーリングで許容する連続リクエスト数
	CleanupInterval time.Duration // 待機エントリを間引く間隔
}

// DefaultRateLimiterConfig は既定の制限値を返す。
// API全般は120 req/min、手動ポーリングは10 req/minをクライアント単位で制限する。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(120.0 / 60.0), // 120 req/minの秒換算
		GeneralBurst:    120,
		PollRate:        rate.Limit(10.0 / 60.0), // 10 req/minの秒換算
		PollBurst:       10,
		CleanupInterval: 5 * time.Minute,
	}
}

// limiterEntry は1クライアント分のリミッターと最終アクセス時刻。
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterPool はキーごとのトークンバケットの集合。
// rateLimitKeyが返すキー（トークンまたはIP）単位で独立したリミッターを持つ。
type limiterPool struct {
	rate  rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func newLimiterPool(r rate.Limit, burst int) *limiterPool {
	return &limiterPool{
		rate:    r,
		burst:   burst,
		entries: make(map[string]*limiterEntry),
	}
}

// get はキーに対応するリミッターを返す。初見のキーなら作る。
func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(p.rate, p.burst)}
		p.entries[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// evictIdle は最終アクセスがttlより古いエントリを削除する。
func (p *limiterPool) evictIdle(ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	for key, e := range p.entries {
		if e.lastSeen.Before(cutoff) {
			delete(p.entries, key)
		}
	}
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// RateLimiter はクライアントごとのレート制限を管理する。
// 認証前に動作するため、キーにはBearerトークン、なければクライアントIPを使う。
// API全般の制限と、アップストリームに負荷をかける手動ポーリングの制限の2種類を提供する。
type RateLimiter struct {
	config  RateLimiterConfig
	general *limiterPool
	poll    *limiterPool
	stopCh  chan struct{}
}

// NewRateLimiter はRateLimiterを組み立て、待機エントリを間引くゴルーチンを起動する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		general: newLimiterPool(config.GeneralRate, config.GeneralBurst),
		poll:    newLimiterPool(config.PollRate, config.PollBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.evictLoop()

	return rl
}

// Stop は間引きのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// GeneralMiddleware はAPI全般に適用するレート制限ミドルウェアを返す。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return rl.limit(rl.general, "general", next)
	}
}

// PollMiddleware は手動ポーリング専用のレート制限ミドルウェアを返す。
// ポーリングはアップストリームへのHTTPアクセスと生成API呼び出しを伴うため、
// API全般の制限とは独立に低いレートで制限する。
func (rl *RateLimiter) PollMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return rl.limit(rl.poll, "poll", next)
	}
}

// limit は両ミドルウェア共通の判定処理。
func (rl *RateLimiter) limit(pool *limiterPool, limitType string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !pool.get(rateLimitKey(r)).Allow() {
			writeRateLimitResponse(w, pool.rate)
			slog.Warn("rate limit exceeded",
				slog.String("limit_type", limitType),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// GeneralLimiterCount は保持中のAPI全般リミッターの数を返す。テストとメトリクスから使う。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.size()
}

// PollLimiterCount は保持中のポーリングリミッターの数を返す。テストとメトリクスから使う。
func (rl *RateLimiter) PollLimiterCount() int {
	return rl.poll.size()
}

// evictLoop は一定間隔で両プールの待機エントリを間引く。
// エントリのTTLはCleanupIntervalの2倍。
func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	ttl := rl.config.CleanupInterval * 2
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.general.evictIdle(ttl)
			rl.poll.evictIdle(ttl)
		}
	}
}

// rateLimitKey はレート制限のキーを返す。
// Bearerトークンがあればトークン単位、なければクライアントIP単位で制限する。
// 認証ミドルウェアより前段で動作するため、トークンの正当性はここでは問わない。
func rateLimitKey(r *http.Request) string {
	if token := BearerToken(r); token != "" {
		return token
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse はRetry-Afterヘッダー付きの429レスポンスを書き込む。
// 待ち時間はトークンが1つ補充されるまでの推定秒数（切り上げ、最低1秒）。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	waitSec := int(math.Ceil(1.0 / float64(r)))
	if waitSec < 1 {
		waitSec = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(waitSec))

	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitError())
}

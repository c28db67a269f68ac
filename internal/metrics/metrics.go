// Package metrics はPrometheusによる計測と/metricsエンドポイントの公開を担う。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はポーリング・取り込み・生成の計測ポイントを抽象化する。
// 本実装はCollector、テストでは記録しないNoopを使う。
type MetricsCollector interface {
	RecordPollSuccess(sourceID string)
	RecordPollFailure(sourceID string, reason string)
	RecordPollDuration(duration time.Duration)
	RecordItemsIngested(result string, count int)
	RecordGeneration(result string)
	RecordGenerationDuration(duration time.Duration)
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Noop{}
)

// Collector はMetricsCollectorのPrometheus実装。
type Collector struct {
	pollSuccess        *prometheus.CounterVec
	pollFail           *prometheus.CounterVec
	pollDuration       prometheus.Histogram
	itemsIngested      *prometheus.CounterVec
	generation         *prometheus.CounterVec
	generationDuration prometheus.Histogram
}

// NewCollector は全メトリクスをregへ登録したCollectorを返す。
// 同じレジストリへ二重に登録するとMustRegisterがパニックする。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		pollSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autopress_poll_success_total",
			Help: "ソースポーリング成功の合計数",
		}, []string{"source_id"}),
		pollFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autopress_poll_fail_total",
			Help: "ソースポーリング失敗の合計数",
		}, []string{"source_id", "reason"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autopress_poll_duration_seconds",
			Help:    "ソースポーリング1回あたりの所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		itemsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autopress_items_ingested_total",
			Help: "取り込み結果別のフィードアイテム数",
		}, []string{"result"}),
		generation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autopress_generation_total",
			Help: "記事生成ディスパッチの結果別合計数",
		}, []string{"result"}),
		// 生成APIの呼び出しは数十秒かかることがあるため既定より広いバケットを使う
		generationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autopress_generation_duration_seconds",
			Help:    "記事生成1件あたりの所要時間（秒）",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}

	reg.MustRegister(
		c.pollSuccess,
		c.pollFail,
		c.pollDuration,
		c.itemsIngested,
		c.generation,
		c.generationDuration,
	)

	return c
}

// RecordPollSuccess はポーリング成功を記録する。
func (c *Collector) RecordPollSuccess(sourceID string) {
	c.pollSuccess.WithLabelValues(sourceID).Inc()
}

// RecordPollFailure はポーリング失敗を理由付きで記録する。
func (c *Collector) RecordPollFailure(sourceID string, reason string) {
	c.pollFail.WithLabelValues(sourceID, reason).Inc()
}

// RecordPollDuration はポーリング1回の所要時間を記録する。
func (c *Collector) RecordPollDuration(duration time.Duration) {
	c.pollDuration.Observe(duration.Seconds())
}

// RecordItemsIngested は取り込んだアイテム数を結果別に記録する。
// resultはnew、duplicate、malformedのいずれか。0件以下は系列を作らない。
func (c *Collector) RecordItemsIngested(result string, count int) {
	if count <= 0 {
		return
	}
	c.itemsIngested.WithLabelValues(result).Add(float64(count))
}

// RecordGeneration は生成ディスパッチの結果を記録する。
// resultはgenerated、skipped、failedのいずれか。
func (c *Collector) RecordGeneration(result string) {
	c.generation.WithLabelValues(result).Inc()
}

// RecordGenerationDuration は生成1件の所要時間を記録する。
func (c *Collector) RecordGenerationDuration(duration time.Duration) {
	c.generationDuration.Observe(duration.Seconds())
}

// Noop は何も記録しないMetricsCollector実装。テストで利用する。
type Noop struct{}

func (Noop) RecordPollSuccess(sourceID string)                {}
func (Noop) RecordPollFailure(sourceID string, reason string) {}
func (Noop) RecordPollDuration(duration time.Duration)        {}
func (Noop) RecordItemsIngested(result string, count int)     {}
func (Noop) RecordGeneration(result string)                   {}
func (Noop) RecordGenerationDuration(duration time.Duration)  {}

// SetupMetricsRoute は/metricsだけを公開するスクレイプ用ハンドラーを返す。
// /metrics以外のパスは404を返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

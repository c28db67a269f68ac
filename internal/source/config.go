// Package source はソース登録・管理と設定正規化のドメインロジックを提供する。
package source

import (
	"math"
	"time"
)

// ソース設定のデフォルト値。
// 設定キーの欠落や型不一致の場合に適用される。
const (
	// DefaultEnabled はポーリング有効フラグのデフォルト。
	DefaultEnabled = true
	// DefaultAutoGenerate は自動生成フラグのデフォルト。
	// 生成は外部コストを伴うため、明示的に有効化されない限り実行しない。
	DefaultAutoGenerate = false
	// DefaultMaxItems は1回のポーリングで取り込む新規アイテム数の上限。
	DefaultMaxItems = 10
	// DefaultPollingInterval はポーリング間隔のデフォルト。
	DefaultPollingInterval = 60 * time.Second
)

// ソース設定マッピングのキー名。JSONBカラムに保存される。
const (
	configKeyEnabled         = "enabled"
	configKeyAutoGenerate    = "autoGenerate"
	configKeyMaxItems        = "maxItems"
	configKeyPollingInterval = "pollingInterval"
)

// EffectiveConfig は正規化済みのソース設定を表す。
// 保存された設定マッピングと異なり、全フィールドが検証済みの値を持つ。
// 値渡しで取り込み・生成処理に引き渡される。
type EffectiveConfig struct {
	// Enabled はこのソースをポーリング対象とするかどうか。
	Enabled bool
	// AutoGenerate は新規アイテムに対して記事生成を実行するかどうか。
	AutoGenerate bool
	// MaxItems は1回のポーリングで取り込む新規アイテム数の上限。常に正。
	MaxItems int
	// PollingInterval は次回ポーリングまでの間隔。常に正。
	PollingInterval time.Duration
}

// DefaultConfig はデフォルト値のEffectiveConfigを返す。
func DefaultConfig() EffectiveConfig {
	return EffectiveConfig{
		Enabled:         DefaultEnabled,
		AutoGenerate:    DefaultAutoGenerate,
		MaxItems:        DefaultMaxItems,
		PollingInterval: DefaultPollingInterval,
	}
}

// Normalize は保存された設定マッピングを正規化してEffectiveConfigを返す。
// 欠落キーと型不一致のキーにはデフォルト値を適用し、決してエラーを返さない。
// 保存された設定マッピング自体は変更せず、未知のキーもそのまま残る。
//
// 数値はJSONのデコード結果（float64）を受け付ける。maxItemsは正の整数のみ、
// pollingIntervalは正の秒数のみ有効で、それ以外はデフォルトに落ちる。
func Normalize(config map[string]any) EffectiveConfig {
	cfg := DefaultConfig()
	if config == nil {
		return cfg
	}

	if v, ok := config[configKeyEnabled].(bool); ok {
		cfg.Enabled = v
	}
	if v, ok := config[configKeyAutoGenerate].(bool); ok {
		cfg.AutoGenerate = v
	}
	if v, ok := configNumber(config[configKeyMaxItems]); ok && v > 0 && v == math.Trunc(v) {
		cfg.MaxItems = int(v)
	}
	if v, ok := configNumber(config[configKeyPollingInterval]); ok && v > 0 {
		cfg.PollingInterval = time.Duration(v * float64(time.Second))
	}

	return cfg
}

// configNumber は設定マッピングの数値をfloat64に揃える。
// JSONデコード経由の値はfloat64だが、コード上で構築されたマッピングの
// int値も受け付ける。
func configNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

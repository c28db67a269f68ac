// Package logger はslogベースのJSON構造化ログの初期化を提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup は指定レベル以上を出力するJSONロガーを返す。
func Setup(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// SetupDefault はSetupで作ったロガーをプロセス全体のデフォルトに据える。
// wがnilの場合はos.Stdoutへ出力する。
func SetupDefault(w io.Writer, level slog.Leveler) {
	if w == nil {
		w = os.Stdout
	}
	slog.SetDefault(Setup(w, level))
}

// ParseLevel はログレベル文字列をslog.Levelへ変換する。
// 大文字小文字と前後の空白は無視し、未知の値はinfoとして扱う。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/hitoshi/autopress/internal/app"
)

func main() {
	// .envファイルがあれば読み込む（なければ環境変数をそのまま使う）
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "loaded configuration from .env file")
	}

	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "autopress: %v\n", err)
		os.Exit(1)
	}
}

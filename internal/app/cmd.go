package app

// Command はバイナリの起動モードを表す。
// 1つのバイナリがAPIサーバー・ワーカー・マイグレーションを兼ねる。
type Command string

const (
	// CommandServe は管理APIサーバーとして起動する。
	CommandServe Command = "serve"
	// CommandWorker は定期ポーリングとクリーンアップのワーカーとして起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はスキーママイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はサーバーの死活確認のみ行って終了する。
	// distrolessイメージにはシェルがないため、Dockerのヘルスチェックは
	// 自バイナリをこのモードで呼び出す。
	CommandHealthcheck Command = "healthcheck"
)

// knownCommands は引数として受け付けるサブコマンドの一覧。
var knownCommands = map[string]Command{
	"serve":       CommandServe,
	"worker":      CommandWorker,
	"migrate":     CommandMigrate,
	"healthcheck": CommandHealthcheck,
}

// ParseCommand は先頭のコマンドライン引数をサブコマンドとして解釈する。
// 引数なし・未知のコマンドはいずれもCommandServeとして扱う。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := knownCommands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}

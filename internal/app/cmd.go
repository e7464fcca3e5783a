package app

import "strings"

// Command はbirdbrainのサブコマンド。
type Command string

const (
	// CommandServe はAPIサーバーと自動投稿スケジューラを同一プロセスで動かす。
	CommandServe Command = "serve"
	// CommandWorker は自動投稿スケジューラだけを動かす。ストアはRedisで共有する。
	CommandWorker Command = "worker"
	// CommandMigrate はマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のサーバーの /health を叩いて終了する。
	// distrolessイメージのHEALTHCHECKから呼ばれる。
	CommandHealthcheck Command = "healthcheck"
)

var knownCommands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand は先頭の引数からサブコマンドを決める。
// 引数なし・未知の値はserveとして扱い、2番目以降の引数は無視する。大文字小文字は区別しない。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := knownCommands[strings.ToLower(strings.TrimSpace(args[0]))]; ok {
		return cmd
	}
	return CommandServe
}

// NeedsConfig はコマンドが環境変数の設定一式を必要とするかを返す。
// healthcheckはSERVER_PORTだけを参照する。
func (c Command) NeedsConfig() bool {
	return c != CommandHealthcheck
}

// NeedsSharedState はコマンドがプロセス間で共有されるストア（REDIS_URL）を必須とするかを返す。
func (c Command) NeedsSharedState() bool {
	return c == CommandWorker
}

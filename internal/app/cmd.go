package app

import (
	"errors"
	"fmt"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はWebサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は期限切れセッションを掃除するワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandMigrateStatus は適用済みマイグレーションのバージョンを表示することを示す。
	CommandMigrateStatus Command = "migrate-status"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ErrUnknownCommand はサポート外のサブコマンドが指定された場合に返す。
var ErrUnknownCommand = errors.New("unknown command")

// Usage はサブコマンドの一覧。
const Usage = "usage: coursehistory [serve|worker|migrate|migrate-status|healthcheck]"

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返す。2番目以降の引数は無視する。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}

	switch cmd := Command(args[0]); cmd {
	case CommandServe, CommandWorker, CommandMigrate, CommandMigrateStatus, CommandHealthcheck:
		return cmd, nil
	default:
		return "", fmt.Errorf("%w %q\n%s", ErrUnknownCommand, args[0], Usage)
	}
}

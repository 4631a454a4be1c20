package app

import (
	"fmt"
	"strconv"
	"strings"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe は認証APIサーバーを起動する。引数なしの場合もこれ。
	CommandServe Command = "serve"
	// CommandWorker は期限切れトークンのクリーンアップワーカーを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate は未適用のマイグレーションを適用して終了する。
	// "migrate down [N]" で直近N件（省略時1件）をロールバックする。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はローカルの/healthを叩いて終了する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

var commands = []Command{CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck}

// Usage はサブコマンドの一覧を返す。
func Usage() string {
	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = string(c)
	}
	return "usage: clinicman [" + strings.Join(names, "|") + "]"
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空の場合はCommandServe。未知のサブコマンドはエラーにする。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}
	for _, c := range commands {
		if args[0] == string(c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown command %q\n%s", args[0], Usage())
}

// ParseRollbackSteps はmigrateサブコマンドの残りの引数を解析する。
// 0は全件適用、正の値はロールバック件数を表す。
func ParseRollbackSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	if args[0] != "down" || len(args) > 2 {
		return 0, fmt.Errorf("usage: clinicman migrate [down [N]]")
	}
	if len(args) == 1 {
		return 1, nil
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid rollback steps %q", args[1])
	}
	return n, nil
}

package app

import (
	"fmt"
	"sort"
	"strings"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバー（HTTP + WebSocketハブ）として起動する。
	CommandServe Command = "serve"
	// CommandWorker はリーパーと期限切れセッション削除ジョブを常駐させる。
	CommandWorker Command = "worker"
	// CommandSweep はリーパーと期限切れセッション削除ジョブを1回だけ実行して終了する。
	// cron等の外部スケジューラから呼ぶ用途。
	CommandSweep Command = "sweep"
	// CommandMigrate はデータベースマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はローカルの /health を叩く。distrolessイメージのHEALTHCHECK用。
	CommandHealthcheck Command = "healthcheck"
)

var knownCommands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandSweep):       CommandSweep,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空の場合はCommandServe。未知のサブコマンドはエラーになる。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}

	name := strings.ToLower(strings.TrimSpace(args[0]))
	cmd, ok := knownCommands[name]
	if !ok {
		return "", fmt.Errorf("unknown command %q (available: %s)", args[0], strings.Join(commandNames(), ", "))
	}
	return cmd, nil
}

func commandNames() []string {
	names := make([]string, 0, len(knownCommands))
	for name := range knownCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package ssh

import (
	"context"
	"fmt"
	"io"

	"github.com/pynqmanager/pynqmanager/pkg/logger"
)

// Executor 连接板卡并逐条执行命令（串口配网完成后的交接）
type Executor struct {
	Config Config
	// Output 非空时接收远程命令的实时输出
	Output io.Writer
}

// NewExecutor 创建执行器
func NewExecutor(cfg Config) *Executor {
	return &Executor{Config: cfg}
}

// Run 建立连接后按顺序执行 commands，每条结束后回调 onResult。
// 连接或会话失败立即返回（不重试）；命令非零退出只记录，继续执行下一条。
func (e *Executor) Run(ctx context.Context, info ConnectionInfo, commands []string, onResult func(*CommandResult)) ([]*CommandResult, error) {
	return e.run(ctx, info, commands, e.Output, onResult)
}

// RunWithOutput 与 Run 相同，但实时输出写入 out
func (e *Executor) RunWithOutput(ctx context.Context, info ConnectionInfo, commands []string, out io.Writer, onResult func(*CommandResult)) ([]*CommandResult, error) {
	return e.run(ctx, info, commands, out, onResult)
}

func (e *Executor) run(ctx context.Context, info ConnectionInfo, commands []string, out io.Writer, onResult func(*CommandResult)) ([]*CommandResult, error) {
	cfg := e.Config
	client := NewClient(&cfg)
	if err := client.Connect(ctx, &info); err != nil {
		return nil, err
	}
	defer client.Close()

	log := logger.WithField("host", info.Host)
	log.Infof("SSH connected as %s", info.Username)

	results := make([]*CommandResult, 0, len(commands))
	for _, command := range commands {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		result, err := client.ExecuteCommand(ctx, command, out)
		if result != nil {
			results = append(results, result)
			if onResult != nil {
				onResult(result)
			}
			logger.DebugCommandOutput(command, result.Output, 5)
		}
		if err != nil {
			return results, fmt.Errorf("command %q: %w", command, err)
		}
		if result.ExitCode != 0 {
			log.Warnf("Command %q exited with %d", command, result.ExitCode)
		} else {
			log.Infof("Command %q finished in %s", command, result.Duration)
		}
	}
	return results, nil
}

// simtest 针对模拟板卡跑一次完整配网任务（串口登录、配网、SSH 交接），用于联调自检。
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pynqmanager/pynqmanager/internal/config"
	"github.com/pynqmanager/pynqmanager/internal/database"
	"github.com/pynqmanager/pynqmanager/internal/model"
	"github.com/pynqmanager/pynqmanager/internal/service"
	"github.com/pynqmanager/pynqmanager/pkg/logger"
	"github.com/pynqmanager/pynqmanager/pkg/netcfg"
	"github.com/pynqmanager/pynqmanager/simulate"
)

func main() {
	simPath := flag.String("simulate", "simulate/simulate.yaml", "simulate.yaml path")
	mode := flag.String("mode", "dhcp", "dhcp or static")
	ip := flag.String("ip", "", "static address")
	gateway := flag.String("gateway", "", "static gateway")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall timeout")
	flag.Parse()

	if err := run(*simPath, netcfg.Request{Mode: netcfg.Mode(*mode), Address: *ip, Gateway: *gateway}, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, "simtest:", err)
		os.Exit(1)
	}
}

func run(simPath string, req netcfg.Request, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_ = logger.Init(logger.Config{Level: "warn", Output: "console"})

	sc, err := simulate.LoadConfig(simPath)
	if err != nil {
		return err
	}
	mgr, err := simulate.Start(ctx, sc)
	if err != nil {
		return err
	}
	defer mgr.Stop()

	dir, err := os.MkdirTemp("", "pynq-simtest-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	cfg := config.Default()
	cfg.Remote.Port = mgr.SSH.Addr().Port
	cfg.Storage.Local.BaseDir = dir
	cfg.Database.SQLite.Path = filepath.Join(dir, "simtest.db")

	conn, err := database.Open(cfg.Database.SQLite)
	if err != nil {
		return err
	}
	store := database.NewTaskStore(conn)
	svc := service.NewProvisionService(cfg, store, service.WithOpener(mgr.Board.Opener()))
	defer svc.Stop()

	port := sc.Board.PortName
	if port == "" {
		port = "sim0"
	}
	task, err := svc.Submit(ctx, service.ProvisionJob{
		Port:     port,
		Username: sc.Board.Username,
		Password: sc.Board.Password,
		Network:  req,
	})
	if err != nil {
		return err
	}
	ch, unsubscribe, err := svc.Subscribe(task.ID)
	if err == nil {
		defer unsubscribe()
		go func() {
			for text := range ch {
				fmt.Print(text)
			}
		}()
	}

	final, err := svc.Wait(ctx, task.ID)
	if err != nil {
		return err
	}
	fmt.Println()
	bs, _ := json.MarshalIndent(final, "", "  ")
	fmt.Println(string(bs))
	fmt.Printf("board interfaces:\n%s", mgr.Board.Interfaces())
	fmt.Printf("ssh execs: %v\n", mgr.SSH.Execs())

	if final.Status != model.TaskStatusSuccess {
		return fmt.Errorf("task %s finished with %s: %s", final.ID, final.Status, final.ErrorMsg)
	}
	return nil
}

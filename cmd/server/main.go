package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/pynqmanager/pynqmanager/api/handler"
	"github.com/pynqmanager/pynqmanager/api/router"
	"github.com/pynqmanager/pynqmanager/internal/config"
	"github.com/pynqmanager/pynqmanager/internal/database"
	"github.com/pynqmanager/pynqmanager/internal/service"
	"github.com/pynqmanager/pynqmanager/pkg/logger"
	"github.com/pynqmanager/pynqmanager/simulate"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "config file path")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	if err := logger.Init(logConfig(cfg)); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.WithField("version", "1.0.0").Info("Starting PYNQ provisioning server")

	// 初始化数据库
	if err := database.InitSQLite(cfg.Database.SQLite); err != nil {
		logger.WithField("error", err).Fatal("Failed to initialize database")
	}
	defer database.Close()

	store := database.NewTaskStore(database.GetDB())
	// 上次进程退出时仍在执行的任务不会再有结果
	if n, err := store.MarkInterrupted(); err != nil {
		logger.WithField("error", err).Warn("Failed to mark interrupted tasks")
	} else if n > 0 {
		logger.WithField("count", n).Warn("Marked interrupted tasks as failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 启动模拟板卡（可选）
	var opts []service.ServiceOption
	if cfg.Server.SimulateEnable {
		if mgr := startSimulate(ctx, cfg); mgr != nil {
			defer mgr.Stop()
			opts = append(opts, service.WithOpener(mgr.Board.Opener()))
		}
	}

	svc := service.NewProvisionService(cfg, store, opts...)
	r := router.SetupRouter(cfg, svc, handler.Options{
		DBHealth:       database.Health,
		InterfacesPath: cfg.Provision.InterfacesPath,
	})

	server := &http.Server{
		Addr:           cfg.GetServerAddr(),
		Handler:        r,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(map[string]interface{}{
			"addr": server.Addr,
			"mode": cfg.Server.Mode,
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		watchConfig(gctx, *configPath, func(newCfg *config.Config) {
			// 模拟 sshd 端口在进程内分配，重载时保留
			if cfg.Server.SimulateEnable {
				newCfg.Remote.Port = cfg.Remote.Port
			}
			svc.UpdateConfig(newCfg)
			_ = logger.Init(logConfig(newCfg))
		})
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Server shutting down...")

		// 优雅关闭服务器
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithField("error", err).Error("Server forced to shutdown")
		}
		return svc.Stop()
	})

	if err := g.Wait(); err != nil {
		logger.WithField("error", err).Error("Server exited with error")
		os.Exit(1)
	}
	logger.Info("Server shutdown complete")
}

func logConfig(cfg *config.Config) logger.Config {
	return logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}
}

// startSimulate 启动模拟板卡与 sshd，远程交接改连模拟 sshd 的端口
func startSimulate(ctx context.Context, cfg *config.Config) *simulate.Manager {
	path := cfg.Server.SimulatePath
	if _, err := os.Stat(path); err != nil {
		logger.WithField("path", path).Warn("Simulate: simulate.yaml missing, skip starting simulated board")
		return nil
	}
	sc, err := simulate.LoadConfig(path)
	if err != nil {
		logger.WithField("error", err).Warn("Simulate: failed to load simulate.yaml")
		return nil
	}
	mgr, err := simulate.Start(ctx, sc)
	if err != nil {
		logger.WithField("error", err).Warn("Simulate: failed to start")
		return nil
	}
	if addr := mgr.SSH.Addr(); addr != nil {
		cfg.Remote.Port = addr.Port
	}
	logger.WithFields(map[string]interface{}{
		"port_name": sc.Board.PortName,
		"address":   sc.Board.Address,
		"ssh_port":  cfg.Remote.Port,
	}).Info("Simulate: started")
	return mgr
}

// watchConfig 监听配置文件变化，重新加载后交给 onReload。
// 启动时的 cfg 不会被修改，运行中的任务继续使用各自的快照。
func watchConfig(ctx context.Context, path string, onReload func(*config.Config)) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithField("error", err).Warn("Config watch init failed")
		return
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		logger.WithField("error", err).Warn("Config watch add failed")
		return
	}

	var debounce *time.Timer
	debounceInterval := 300 * time.Millisecond
	trigger := func() {
		newCfg, err := config.Load(path)
		if err != nil {
			logger.WithField("error", err).Warn("Config reload failed")
			return
		}
		onReload(newCfg)
		logger.Info("Config reloaded")
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceInterval, trigger)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.WithField("error", err).Warn("Config watch error")
		}
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gateway/internal/job"

	"github.com/urfave/cli/v2"
)

var (
	// 构建时通过 ldflags 注入
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newCLIApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newCLIApp() *cli.App {
	return &cli.App{
		Name:    "gateway",
		Usage:   "支付网关：派发、幂等与对账",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径",
				EnvVars: []string{"GATEWAY_CONFIG"},
				Value:   "config/config.yaml",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			sweepCommand(),
			migrateCommand(),
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "启动 HTTP 服务、对账任务和消息发送任务",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "migrate",
				Usage: "启动前执行数据库迁移",
			},
		},
		Action: func(c *cli.Context) error {
			a, err := newApp(c.String("config"))
			if err != nil {
				return err
			}
			defer a.close()

			// 创建上下文（用于优雅关闭）
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if c.Bool("migrate") {
				if err := a.migrate(ctx); err != nil {
					return err
				}
			}

			producer, err := a.newProducer()
			if err != nil {
				return err
			}
			defer producer.Close()

			// 启动后台任务
			outboxSender := job.NewOutboxSender(a.outbox, producer, a.cfg.Events, a.log, a.metrics)
			go outboxSender.Start(ctx)

			// 与 POST /admin/reconcile 共用同一个任务实例
			go a.sweeper.Start(ctx)

			server := &http.Server{
				Addr:    fmt.Sprintf(":%d", a.cfg.Server.Port),
				Handler: a.newRouter(),
			}

			errCh := make(chan error, 1)
			go func() {
				a.log.Info("服务启动", "port", a.cfg.Server.Port)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				return fmt.Errorf("服务启动失败: %w", err)
			}

			a.log.Info("正在关闭服务...")

			// 关闭 HTTP 服务，进行中的请求最多等待 shutdown_timeout
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				a.log.Error("服务关闭异常", "error", err)
			}

			a.log.Info("服务已关闭")
			return nil
		},
	}
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "执行对账扫描",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "once",
				Usage: "只执行一次（含积压），输出统计后退出",
			},
		},
		Action: func(c *cli.Context) error {
			a, err := newApp(c.String("config"))
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if !c.Bool("once") {
				a.sweeper.Start(ctx)
				return nil
			}

			report := a.sweeper.RunOnce(ctx)
			if report == nil {
				return errors.New("对账未执行：获取锁失败或其他副本正在对账")
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "创建或更新数据库表结构",
		Action: func(c *cli.Context) error {
			a, err := newApp(c.String("config"))
			if err != nil {
				return err
			}
			defer a.close()
			return a.migrate(c.Context)
		},
	}
}

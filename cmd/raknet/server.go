// =============================================================================
// 文件: cmd/raknet/server.go
// 描述: 回显服务端 - 传输层 + 封禁表 + Prometheus 指标, errgroup 管理生命周期
// =============================================================================
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/raknet/internal/config"
	"github.com/mrcgq/raknet/internal/guard"
	"github.com/mrcgq/raknet/internal/logx"
	"github.com/mrcgq/raknet/internal/metrics"
	"github.com/mrcgq/raknet/internal/protocol"
	"github.com/mrcgq/raknet/internal/transport"
)

const statsInterval = 30 * time.Second

type serverOptions struct {
	configPath string
	listen     string
	logLevel   string
	motd       string
}

func serverCmd() *cobra.Command {
	opts := &serverOptions{}

	cmd := &cobra.Command{
		Use:   "server",
		Short: "运行回显服务端",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			if opts.listen != "" {
				cfg.Listen = opts.listen
			}
			if opts.logLevel != "" {
				cfg.LogLevel = opts.logLevel
			}
			if opts.motd != "" {
				cfg.MOTD = opts.motd
			}
			if err := cfg.Finalize(); err != nil {
				return fmt.Errorf("配置错误: %w", err)
			}
			return runServer(cfg)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "配置文件路径")
	cmd.Flags().StringVarP(&opts.listen, "listen", "l", "", "覆盖监听地址")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "覆盖日志级别: error/info/debug")
	cmd.Flags().StringVar(&opts.motd, "motd", "", "覆盖 MOTD")
	return cmd
}

// loadConfig 未显式指定且默认文件不存在时使用默认配置
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.DefaultConfig(), nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("配置错误: %w", err)
	}
	return cfg, nil
}

func runServer(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 日志: 启用 /debug/log 时同时写入内存缓冲
	out := io.Writer(os.Stdout)
	var tail *logx.Tail
	if cfg.Metrics.Enabled && cfg.Metrics.LogTail {
		t, err := logx.NewTail()
		if err != nil {
			return fmt.Errorf("创建日志缓冲失败: %w", err)
		}
		defer t.Close()
		tail = t
		out = tail.Tee(os.Stdout)
	}
	log := logx.New(out, cfg.LogLevel, "MAIN")

	// 封禁表
	var bl *guard.Blocklist
	if cfg.Guard.Enabled {
		bl = guard.New(cfg.Guard.ToGuard())
		bl.Start()
		defer bl.Close()
	}

	// 指标
	var (
		ms       *metrics.MetricsServer
		observer transport.Observer
	)
	if cfg.Metrics.Enabled {
		ms = metrics.NewMetricsServer(cfg.Metrics.Listen, cfg.Metrics.Path, cfg.Metrics.HealthPath, cfg.Metrics.EnablePprof, log)
		observer = metrics.NewTransportMetrics(ms.GetRegistry())
	}

	queue := transport.NewEventQueue(1024)
	srv, err := transport.Listen(ctx, cfg.Listen, cfg.ToTransport(log, observer, bl), queue)
	if err != nil {
		return err
	}

	var reporter *metrics.HealthReporter
	if ms != nil {
		ms.MustRegisterCollector(metrics.NewServerCollector(srv))
		var blStats metrics.BlocklistStats
		if bl != nil {
			ms.MustRegisterCollector(metrics.NewBlocklistCollector(bl))
			blStats = bl
		}
		reporter = metrics.NewHealthReporter(Version, srv, blStats)
		ms.SetHealthCheck(reporter.Check)
		if tail != nil {
			ms.SetLogTail(tail)
		}
		if err := ms.Start(ctx); err != nil {
			srv.Close()
			return err
		}
	}

	printBanner(cfg, srv)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return echo(gctx, queue, log)
	})
	g.Go(func() error {
		logStats(gctx, srv, log)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Infof("正在关闭...")
		if reporter != nil {
			reporter.MarkStopped()
		}
		// 先停止事件投递, 关闭时的断开回调不会阻塞分片
		queue.Close()
		srv.Close()
		if ms != nil {
			ms.Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// echo 将应用层负载原样发回
func echo(ctx context.Context, queue *transport.EventQueue, log *logx.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-queue.Events():
			switch ev.Kind {
			case transport.EventConnect:
				log.Infof("会话建立: %s guid=%d mtu=%d", ev.Session.Addr(), ev.Session.GUID(), ev.Session.MTU())
			case transport.EventDisconnect:
				log.Infof("会话断开: %s (%s)", ev.Session.Addr(), ev.Reason)
			case transport.EventPayload:
				if err := ev.Session.Send(ev.Payload, protocol.ReliableOrdered, 0); err != nil {
					log.Debugf("回显到 %s 失败: %v", ev.Session.Addr(), err)
				}
			}
		}
	}
}

func logStats(ctx context.Context, srv *transport.Server, log *logx.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := srv.GetStats()
			log.Infof("会话: %v/%v 收: %v 发: %v 丢弃: %v",
				stats["connections"], stats["max_connections"],
				stats["packets_recv"], stats["packets_sent"], stats["packets_dropped"])
		}
	}
}

func printBanner(cfg *config.Config, srv *transport.Server) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Printf("║  RakNet Server v%-45s║\n", Version)
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  监听: %-54s║\n", srv.Addr())
	fmt.Printf("║  GUID: %-54d║\n", srv.GUID())
	fmt.Printf("║  MOTD: %-54s║\n", srv.MOTD())
	fmt.Printf("║  MTU: %d  分片: %d  最大连接: %-28d║\n", cfg.RakNet.MaxMTU, cfg.RakNet.Workers, cfg.RakNet.MaxConnections)
	if cfg.Metrics.Enabled {
		fmt.Printf("║  指标: %-54s║\n", cfg.Metrics.Listen+cfg.Metrics.Path)
	}
	if cfg.Guard.Enabled {
		fmt.Printf("║  封禁: %-54s║\n", fmt.Sprintf("%ds", cfg.Guard.BlockDurationSec))
	}
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

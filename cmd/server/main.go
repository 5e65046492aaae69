package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"secure-relay/internal/config"
	"secure-relay/internal/lobby"
	"secure-relay/internal/logger"
	"secure-relay/internal/monitor"
	"secure-relay/internal/network"
	"secure-relay/internal/protocol"
	"secure-relay/internal/room"
	"secure-relay/internal/security"
)

// 构建时注入的版本信息
var (
	version   = "dev"
	buildTime = "unknown" // 通过 -ldflags 注入
	gitCommit = "unknown" // 通过 -ldflags 注入
)

var (
	configPath  = flag.String("config", "config/config.yml", "配置文件路径")
	showVersion = flag.Bool("version", false, "显示版本信息")
)

const AppName = "Secure Relay"

func printVersion() {
	fmt.Printf("🔐 %s\n", AppName)
	fmt.Printf("📦 Version: %s\n", version)
	if gitCommit != "unknown" {
		fmt.Printf("🔄 Git Commit: %s\n", gitCommit)
	}
	if buildTime != "unknown" {
		fmt.Printf("🕒 Build Time: %s\n", buildTime)
	}
	fmt.Printf("🔧 Go Version: %s\n", runtime.Version())
	fmt.Printf("💻 Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func main() {
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if err := run(); err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 审计日志在所有服务退出后由 Close 关闭
	logs, err := logger.NewLoggerManager(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { err = multierr.Append(err, logs.Close()) }()
	mainLogger := logs.GetMainLogger()

	fmt.Printf("🚀 启动 %s\n", AppName)
	fmt.Printf("📦 版本: %s\n", version)
	fmt.Printf("📝 配置: %s\n", *configPath)
	fmt.Printf("📊 日志级别: %s\n", cfg.Logging.Level)
	fmt.Println()

	var key []byte
	if cfg.Security.EnableEncryption {
		var source security.KeySource
		key, source, err = security.LoadOrCreateMasterKey(cfg.Security.MasterKey, cfg.Security.MasterKeyFile)
		if err != nil {
			return err
		}
		if source == security.KeyFromGenerated {
			fmt.Printf("🔑 已生成新的主密钥并写入 %s\n", cfg.Security.MasterKeyFile)
			fmt.Println("   请将该密钥分发给所有客户端，否则它们无法与中继通信")
		} else {
			fmt.Printf("🔑 主密钥来源: %s\n", source)
		}
	}

	clk := clock.New()
	layer, err := security.NewLayer(cfg, key, clk, mainLogger, logs.GetAuditLogger())
	if err != nil {
		return fmt.Errorf("初始化安全层失败: %w", err)
	}
	printSecurityStatus(cfg)

	rooms := room.NewRegistry(cfg.Room, clk, mainLogger)
	defer rooms.Close()

	perf := monitor.NewPerformanceMonitor()
	registerGauges(perf, rooms, layer, mainLogger)

	g, gctx := errgroup.WithContext(ctx)

	udp, err := network.NewUDPServer(cfg, mainLogger, gctx)
	if err != nil {
		return fmt.Errorf("创建数据面服务器失败: %w", err)
	}
	relay := protocol.NewRelayHandler(cfg, mainLogger, layer, rooms, udp, perf)
	if err := perf.RegisterGauge("udp_endpoints", "Known UDP endpoints.", func() float64 {
		return float64(relay.EndpointCount())
	}); err != nil {
		mainLogger.Warn().Err(err).Msg("注册指标失败")
	}

	disconnects := make(chan protocol.Disconnect, 1024)
	control := protocol.NewControlHandler(cfg, mainLogger, layer, rooms, perf, disconnects)

	tcp, err := network.NewServer(cfg, mainLogger, control, layer, gctx)
	if err != nil {
		return fmt.Errorf("创建控制面服务器失败: %w", err)
	}

	notifier := lobby.NewNotifier(&cfg.Lobby, mainLogger)

	g.Go(func() error {
		layer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		relay.ConsumeDisconnects(gctx, disconnects)
		return nil
	})
	g.Go(func() error {
		notifier.Run(gctx, rooms.Events())
		return nil
	})
	g.Go(func() error {
		return udp.Serve(relay)
	})
	g.Go(func() error {
		if err := tcp.Start(); err != nil && gctx.Err() == nil {
			return fmt.Errorf("控制面服务器错误: %w", err)
		}
		return nil
	})

	if cfg.Monitoring.Enabled {
		httpServer := monitor.NewHTTPServer(cfg, mainLogger, perf)
		httpServer.AddStats("rooms", func() any { return rooms.Stats() })
		httpServer.AddStats("security", func() any { return layer.GetStats() })
		httpServer.AddStats("control", func() any { return control.GetStats() })
		httpServer.AddStats("relay", func() any { return relay.GetStats() })
		httpServer.AddStats("tcp", func() any { return tcp.GetStats() })
		httpServer.AddStats("udp", func() any { return udp.GetStats() })
		httpServer.AddStats("lobby", func() any { return notifier.GetStats() })
		g.Go(func() error {
			return httpServer.Run(gctx)
		})
	}

	fmt.Println()
	fmt.Printf("✨ %s 启动完成\n", AppName)
	fmt.Printf("   - 控制面 (TCP): %s\n", cfg.GetTCPAddress())
	fmt.Printf("   - 数据面 (UDP): %s\n", cfg.GetUDPAddress())
	if cfg.Monitoring.Enabled {
		fmt.Printf("   - 监控: %s:%d%s\n", cfg.Server.Host, cfg.Monitoring.MetricsPort, cfg.Monitoring.MetricsPath)
	}
	if cfg.Lobby.Enabled {
		fmt.Printf("   - 大厅通知: %s\n", cfg.Lobby.URL)
	}
	fmt.Println("🎯 使用 Ctrl+C 停止服务器")
	fmt.Println()

	<-gctx.Done()
	if ctx.Err() != nil {
		fmt.Println("\n📡 收到停止信号")
	}
	fmt.Println("🛑 正在停止服务器...")
	stop()

	if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
		err = multierr.Append(err, werr)
	}

	st := rooms.Stats()
	fmt.Println("📈 服务器统计:")
	fmt.Printf("   - 控制会话: %d\n", control.SessionCount())
	fmt.Printf("   - 房间: %d (已关闭 %d, 迁移 %d 次)\n", st.Rooms, st.ClosedRooms, st.Migrations)
	fmt.Printf("   - 封禁 IP: %d\n", layer.RateLimiter().BannedCount())
	fmt.Printf("👋 %s 已停止\n", AppName)
	return err
}

// printSecurityStatus 启动时打印安全配置摘要
func printSecurityStatus(cfg *config.Config) {
	sec := cfg.Security
	onOff := func(b bool) string {
		if b {
			return "✅ 启用"
		}
		return "⚠️  关闭"
	}

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"安全项", "状态"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	tw.AppendBulk([][]string{
		{"加密 (AES-256-CBC)", onOff(sec.EnableEncryption)},
		{"令牌认证", onOff(sec.EnableAuthentication)},
		{"强制令牌校验", onOff(sec.EnforceTokens)},
		{"速率限制", onOff(sec.EnableRateLimiting)},
		{"单 IP 最大连接数", strconv.Itoa(sec.MaxConnectionsPerIP)},
		{"单 IP 每秒包数", strconv.Itoa(sec.MaxPacketsPerSecond)},
		{"最大包长度", strconv.Itoa(sec.MaxPacketSize)},
		{"封禁时长", sec.BanDuration.String()},
		{"令牌有效期", sec.TokenExpiration.String()},
	})
	tw.Render()
}

func registerGauges(perf *monitor.PerformanceMonitor, rooms *room.Registry, layer *security.Layer, log zerolog.Logger) {
	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"rooms", "Open rooms.", func() float64 { return float64(rooms.RoomCount()) }},
		{"room_peers", "Online ids currently in a room.", func() float64 { return float64(rooms.PeerCount()) }},
		{"banned_ips", "Currently banned IPs.", func() float64 { return float64(layer.RateLimiter().BannedCount()) }},
	}
	for _, g := range gauges {
		if err := perf.RegisterGauge(g.name, g.help, g.fn); err != nil {
			log.Warn().Err(err).Str("gauge", g.name).Msg("注册指标失败")
		}
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/wfunc/mcu-studio/internal/api"
	"github.com/wfunc/mcu-studio/internal/channel"
	"github.com/wfunc/mcu-studio/internal/config"
	"github.com/wfunc/mcu-studio/internal/device"
	"github.com/wfunc/mcu-studio/internal/errors"
	"github.com/wfunc/mcu-studio/internal/hardware"
	"github.com/wfunc/mcu-studio/internal/logger"
	"github.com/wfunc/mcu-studio/internal/middleware"
	ws "github.com/wfunc/mcu-studio/internal/websocket"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server 服务器实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	transport *hardware.Transport
	channel   *channel.Channel
	watcher   *hardware.PortWatcher
	runner    *channel.Runner
	hub       *ws.Hub
	http      *http.Server
}

func main() {
	// 命令行参数
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		port        = flag.String("port", "", "启动时打开的串口（覆盖 serial.port）")
		mock        = flag.Bool("mock", false, "使用模拟REPL")
		hashToken   = flag.String("hash-token", "", "输出令牌的哈希（用于 server.auth_token）后退出")
		showVersion = flag.Bool("version", false, "显示版本信息")
	)
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}
	if *hashToken != "" {
		encoded, err := middleware.HashToken(*hashToken)
		if err != nil {
			fmt.Printf("生成哈希失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(encoded)
		os.Exit(0)
	}

	// 加载配置
	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()
	if *port != "" {
		cfg.Serial.Port = *port
	}
	if *mock {
		cfg.Serial.MockMode = true
		if cfg.Serial.Port == "" {
			cfg.Serial.Port = cfg.Serial.MockPortName
		}
	}

	// 初始化日志系统
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Cleanup()

	server := NewServer(cfg)
	if err := server.Start(); err != nil {
		logger.Fatal("服务器启动失败", zap.Error(err))
	}

	server.WaitForShutdown()

	if err := server.Shutdown(); err != nil {
		logger.Error("服务器关闭失败", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("服务器已安全关闭")
}

// NewServer 组装各组件
func NewServer(cfg *config.Config) *Server {
	log := logger.GetLogger()

	transport := hardware.NewTransport(hardware.NewPortConfig(cfg.Serial), logger.WithModule("serial"))
	ch := channel.New(transport, channel.OptionsFrom(cfg.Channel), logger.WithModule("channel"))
	seq := device.NewSequencer(ch, cfg.Device.MaxEntries, logger.WithModule("device"))

	hub := ws.NewHub(ws.OptionsFrom(cfg.WebSocket), logger.WithModule("websocket"))
	runner := channel.NewRunner(cfg.Channel.RunnerQueueSize, channel.InlineDispatcher, logger.WithModule("runner"))
	hub.SetMessageHandler(ws.NewConsoleHandler(ch, runner, logger.WithModule("console")))
	ch.Subscribe(ws.NewEventBridge(hub, ch))

	router := api.NewRouter(api.Deps{Channel: ch, Sequencer: seq, Hub: hub}, cfg, logger.WithModule("http"))

	s := &Server{
		cfg:       cfg,
		logger:    log,
		transport: transport,
		channel:   ch,
		runner:    runner,
		hub:       hub,
		http: &http.Server{
			Addr:         cfg.Server.Address(),
			Handler:      router.GetEngine(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
	if cfg.Serial.AutoReconnect {
		s.watcher = hardware.NewPortWatcher(transport, cfg.Serial.ReconnectInterval,
			cfg.Serial.ReconnectMaxInterval, logger.WithModule("reconnect"))
	}
	return s
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("正在启动 MCU Studio...",
		zap.String("version", Version),
		zap.String("mode", s.cfg.Server.Mode),
		zap.Bool("mock", s.cfg.Serial.MockMode),
	)

	go s.hub.Run()

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			return errors.Wrap(err, errors.ErrUnknown, "启动重连监视失败")
		}
	}

	// 串口打开失败不影响服务启动，客户端可稍后通过 /api/v1/connect 选择端口
	if s.cfg.Serial.Port != "" {
		if err := s.channel.Open(s.cfg.Serial.Port); err != nil {
			s.logger.Warn("自动打开串口失败", zap.String("port", s.cfg.Serial.Port), zap.Error(err))
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return errors.Wrap(err, errors.ErrUnknown, "HTTP服务启动失败")
	case <-time.After(100 * time.Millisecond):
	}

	// 监听配置变化
	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新，正在重新加载...")
		s.reloadConfig(newCfg)
	})

	s.logger.Info("服务器启动成功",
		zap.String("http", s.cfg.Server.Address()),
		zap.String("websocket", s.cfg.WebSocket.Path))
	return nil
}

// WaitForShutdown 等待关闭信号
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGINT,  // Ctrl+C
		syscall.SIGTERM, // kill命令
	)

	sig := <-sigCh
	s.logger.Info("收到退出信号", zap.String("signal", sig.String()))
}

// Shutdown 优雅关闭服务器
func (s *Server) Shutdown() error {
	s.logger.Info("正在优雅关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接收新请求
	httpErr := s.http.Shutdown(ctx)

	if s.watcher != nil {
		s.watcher.Stop()
	}

	// 关闭串口会让正在执行的命令以 ConnectionLost 结束，runner 随后排空
	if err := s.channel.Close(); err != nil {
		s.logger.Warn("关闭串口失败", zap.Error(err))
	}
	s.runner.Close()
	s.hub.Stop()

	if httpErr != nil {
		return errors.Wrap(httpErr, errors.ErrTimeout, "HTTP服务关闭超时")
	}
	return nil
}

// reloadConfig 应用可热更新的配置项
func (s *Server) reloadConfig(newCfg *config.Config) {
	s.cfg = newCfg
	logger.SetLevel(newCfg.Log.Level)
	s.channel.SetTimeouts(newCfg.Channel.QuiescenceTimeout, newCfg.Channel.MaxWait)
	s.logger.Info("配置重新加载完成")
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("MCU Studio\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/koopa0/system-design/pong-server/internal"
)

func main() {
	// 解析命令行參數，有指定時覆寫配置檔
	var (
		configPath = flag.String("config", "config.yaml", "配置檔路徑")
		port       = flag.Int("port", 0, "服務器端口")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
		driver     = flag.String("broadcast", "", "廣播後端 (memory, nats, redis)")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "載入配置失敗: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *driver != "" {
		cfg.Broadcast.Driver = *driver
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置無效: %v\n", err)
		os.Exit(1)
	}

	// 設置日誌
	logger, logFile := internal.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	os.Exit(serve(cfg, logger, logFile))
}

// serve 執行服務器並回傳結束碼
//
// os.Exit 不會執行 defer，日誌檔在這裡關閉。
func serve(cfg *internal.Config, logger *slog.Logger, logFile io.Closer) int {
	code := 0
	if err := run(cfg, logger); err != nil {
		logger.Error("服務器異常結束", "error", err)
		code = 1
	}

	if logFile != nil {
		if err := logFile.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "關閉日誌檔失敗: %v\n", err)
			code = 1
		}
	}
	return code
}

func run(cfg *internal.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// 廣播後端
	broadcaster, err := internal.NewBroadcaster(ctx, cfg.Broadcast, logger)
	if err != nil {
		return fmt.Errorf("建立廣播後端: %w", err)
	}
	defer broadcaster.Close()

	// 多節點時的房間租約
	var opts []internal.ManagerOption
	claims, err := internal.NewClaimsFromConfig(ctx, cfg.Broadcast, logger)
	if err != nil {
		return fmt.Errorf("建立房間租約: %w", err)
	}
	if claims != nil {
		defer claims.Close()
		opts = append(opts, internal.WithRoomClaims(claims))
		logger.Info("房間租約已啟用", "node", claims.Node(), "ttl", cfg.Broadcast.ClaimTTL)
	}

	// 房間管理器、連線閘道與 WebSocket 連線層
	manager := internal.NewManager(cfg.Game, broadcaster, logger, opts...)
	gateway := internal.NewGateway(manager, broadcaster, logger)
	wsHub := internal.NewWebSocketHub(gateway, cfg.WebSocket, cfg.Server.DefaultRoom, logger)
	handler := internal.NewHandler(manager, wsHub, logger)

	// 創建 HTTP 服務器
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Pong 服務器啟動",
			"port", cfg.Server.Port,
			"broadcast", cfg.Broadcast.Driver,
			"tick", cfg.Game.TickInterval,
			"win_score", cfg.Game.WinScore)
		serverErrors <- server.ListenAndServe()
	}()

	// 等待中斷信號
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("HTTP 服務器: %w", err)
		}

	case sig := <-shutdown:
		logger.Info("收到關閉信號，開始優雅關閉...", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
		defer cancel()

		// 停止接受新連接；WebSocket 是被劫持的連線，不受 Shutdown 影響
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("服務器關閉失敗", "error", err)
			if closeErr := server.Close(); closeErr != nil {
				logger.Error("強制關閉服務器失敗", "error", closeErr)
			}
		}
	}

	// 先關閉連線，再停止房間（釋放租約），最後由 defer 關閉租約與廣播後端
	wsHub.Stop()
	manager.Stop()

	logger.Info("服務器已關閉")
	return runErr
}

// loadConfig 載入配置檔；檔案不存在時使用預設值
func loadConfig(path string) (*internal.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return internal.DefaultConfig(), nil
	}
	return internal.LoadConfig(path)
}

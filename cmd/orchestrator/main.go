package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"parsnip/internal/common"
	"parsnip/internal/orchestrator"

	"go.uber.org/zap"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to job config YAML")
		statusPort  = flag.Int("status-port", 9090, "Status server port, 0 to disable")
		development = flag.Bool("dev", false, "Enable development mode")
	)
	flag.Parse()

	if *configPath == "" {
		log.Fatal("--config is required")
	}

	// 初始化日志系统
	if err := common.InitLogger(*development); err != nil {
		panic(err)
	}
	defer common.Sync()

	logger := common.GetLogger()

	cfg, err := common.LoadJobConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Job configuration",
		zap.String("name", cfg.Name),
		zap.String("frontend_type", cfg.Backend.FrontendType),
		zap.Int("prefill_workers", cfg.Resources.PrefillWorkers),
		zap.Int("decode_workers", cfg.Resources.DecodeWorkers),
		zap.Int("agg_workers", cfg.Resources.AggWorkers),
		zap.String("benchmark_type", cfg.Benchmark.Type))

	orch, err := orchestrator.NewOrchestrator(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize orchestrator", zap.Error(err))
	}

	// 优雅关闭处理
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	if *statusPort > 0 {
		server := orchestrator.NewHTTPServer(orch)
		if err := server.Start(*statusPort); err != nil {
			logger.Error("Failed to start status server", zap.Error(err))
		}
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Error("Error stopping status server", zap.Error(err))
			}
		}()
	}

	if err := orch.Run(ctx); err != nil {
		logger.Error("Job failed", zap.Error(err))
		common.Sync()
		os.Exit(1)
	}

	logger.Info("Orchestrator exited gracefully")
}

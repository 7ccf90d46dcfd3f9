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

	"go.uber.org/zap"

	"github-star-miner/internal/adapter/httpapi"
	"github-star-miner/internal/adapter/repository"
	"github-star-miner/internal/config"
	"github-star-miner/internal/jobs"
	"github-star-miner/internal/logging"
	"github-star-miner/internal/scheduler"
	"github-star-miner/internal/service"
)

func main() {
	envFile := flag.String("env", ".env", "可选的 .env 文件路径")
	once := flag.Bool("refresh-once", false, "对所有用户执行一次 sync + generate 后退出，不启动 HTTP 服务")
	flag.Parse()

	if err := run(*envFile, *once); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func run(envFile string, once bool) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 存储
	store, err := repository.NewPostgresRepo(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("DB 初始化失败: %w", err)
	}
	defer store.Close() //nolint:errcheck

	// 2. 缓存
	c, closeCache, err := newCache(ctx, cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("缓存初始化失败: %w", err)
	}
	defer closeCache() //nolint:errcheck

	// 3. GitHub + LLM + 流水线各阶段
	deps, closeLLM, err := buildDeps(ctx, cfg, c, logger)
	if err != nil {
		return fmt.Errorf("组件初始化失败: %w", err)
	}
	defer closeLLM() //nolint:errcheck

	deps.Store = store
	deps.Jobs = jobs.NewRegistry()
	pipeline := service.NewPipeline(deps, pipelineOptions(cfg.Pipeline), logger)

	sched, err := scheduler.New(pipeline, cfg.Schedule.Spec, cfg.Schedule.UserPause, logger)
	if err != nil {
		return err
	}

	if once {
		logger.Info("🔄 one-shot refresh")
		err := sched.RefreshAll(ctx)
		shutdownPipeline(pipeline, cfg.HTTP.ShutdownTimeout, logger)
		return err
	}

	if cfg.Schedule.Enabled {
		sched.Start()
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewRouter(pipeline, store, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("🚀 HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("👋 收到停止信号，正在退出...")
	case err := <-serveErr:
		if err != nil {
			logger.Error("❌ HTTP server stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("⚠️ HTTP shutdown incomplete", zap.Error(err))
	}
	if cfg.Schedule.Enabled {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Warn("⚠️ scheduler did not stop in time", zap.Error(err))
		}
	}
	if err := pipeline.Shutdown(shutdownCtx); err != nil {
		logger.Warn("⚠️ background jobs did not finish in time", zap.Error(err))
	}
	logger.Info("✅ shutdown complete")
	return nil
}

func shutdownPipeline(p *service.Pipeline, timeout time.Duration, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		logger.Warn("⚠️ background jobs did not finish in time", zap.Error(err))
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"computeworker/internal/blob"
	"computeworker/internal/config"
	"computeworker/internal/logging"
	"computeworker/internal/worker"
	"computeworker/internal/worker/bundle"
	"computeworker/internal/worker/executor"
	"computeworker/internal/worker/health"
	"computeworker/internal/worker/run"
	"computeworker/internal/worker/runner"
	"computeworker/internal/worker/stream"
	"computeworker/pkg/store"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// version 构建时通过 -ldflags 注入
var version = "dev"

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, "compute worker:", err)
		os.Exit(1)
	}
}

func realMain() (err error) {
	// 1. 配置和日志
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// 2. 连接 Etcd
	etcdStore, err := store.NewEtcdStore(cfg.EtcdEndpoints, cfg.EtcdPrefix, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, etcdStore.Close())
	}()

	// 3. 组装执行链路：Docker -> 输出流 -> Runner -> Orchestrator
	docker, err := executor.NewDockerExecutor(executor.PullPolicy(cfg.ImagePullPolicy), logger)
	if err != nil {
		return fmt.Errorf("init docker executor: %w", err)
	}
	dialer := stream.NewDialer(cfg.HTTPTimeout, cfg.HTTPTimeout)
	programRunner := runner.New(docker, dialer, cfg.StreamBuffer, logger)

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	// 下载和上传可能很大，不设整体超时，由 ctx 控制
	blobs := &blob.Router{HTTP: blob.NewHTTPStore(&http.Client{}, blob.AzureBlockBlobHeaders)}
	if cfg.S3.Enabled() {
		objects, err := blob.NewMinioStore(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.UseSSL)
		if err != nil {
			return err
		}
		blobs.Object = objects
	}

	orchestrator := run.NewOrchestrator(run.Config{
		WorkspaceRoot: cfg.WorkspaceRoot,
		HTTPClient:    httpClient,
		ReportTimeout: cfg.HTTPTimeout,
	}, bundle.NewFetcher(blobs, logger), docker, programRunner, blobs, logger)

	// 4. 初始化 Worker Agent
	agent := worker.NewAgent(worker.Config{
		NodeID:           cfg.WorkerID,
		Version:          version,
		Slots:            cfg.Slots,
		HardLimitGrace:   cfg.HardLimitGrace,
		DefaultTimeLimit: cfg.DefaultTimeLimit,
		DrainTimeout:     cfg.DrainTimeout,
	}, etcdStore, orchestrator, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 5. 健康检查
	if cfg.HealthAddr != "" {
		srv := &http.Server{
			Addr:              cfg.HealthAddr,
			Handler:           health.Server{NodeID: cfg.WorkerID, Slots: cfg.Slots, Runs: agent}.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = multierr.Append(err, srv.Shutdown(shutdownCtx))
		}()
	}

	// 6. 启动 Agent，收到退出信号后排空
	logger.Info("compute worker started",
		zap.String("node_id", cfg.WorkerID),
		zap.String("version", version),
		zap.Int("slots", cfg.Slots),
		zap.String("pull_policy", cfg.ImagePullPolicy))
	if err := agent.Run(ctx); err != nil {
		return err
	}
	logger.Info("shutting down worker")
	return nil
}

// Package config 从环境变量加载 Worker 配置
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"computeworker/internal/platform/env"
)

// 镜像拉取策略
const (
	PullAlways  = "always"
	PullMissing = "missing"
)

// Config Worker 进程的全部配置
type Config struct {
	// 节点标识，默认取主机名
	WorkerID string

	// Etcd 连接
	EtcdEndpoints []string
	EtcdPrefix    string

	// 并行执行的 Run 数量
	Slots int

	// Run 工作目录的父目录
	WorkspaceRoot string

	// 在 execution_time_limit 之外再宽限多久才取消 Run
	HardLimitGrace time.Duration

	// 任务描述没有正数时限时使用
	DefaultTimeLimit time.Duration

	ImagePullPolicy string

	// 调用协调服务 (状态、分数) 的超时
	HTTPTimeout time.Duration

	// 容器 stdout 到推流之间的缓冲容量
	StreamBuffer int

	// 退出时等待进行中 Run 的时长，0 表示一直等
	DrainTimeout time.Duration

	// 健康检查地址，为空则不启动
	HealthAddr string

	LogLevel  string
	LogFormat string

	// s3:// 程序包和结果使用的对象存储
	S3 S3Config
}

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Enabled 是否能处理 s3:// URL
func (c S3Config) Enabled() bool {
	return c.Endpoint != ""
}

// Load 读取环境变量，并校验
func Load() (*Config, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "compute-worker-01"
	}

	cfg := &Config{
		WorkerID:        env.String("WORKER_ID", hostname),
		EtcdEndpoints:   env.List("ETCD_ENDPOINTS", []string{"localhost:2379"}),
		EtcdPrefix:      env.String("ETCD_PREFIX", "/compute"),
		WorkspaceRoot:   env.String("WORKSPACE_ROOT", filepath.Join(os.TempDir(), "compute-worker")),
		ImagePullPolicy: env.String("IMAGE_PULL_POLICY", PullAlways),
		HealthAddr:      env.String("HEALTH_ADDR", ":8081"),
		LogLevel:        env.String("LOG_LEVEL", "info"),
		LogFormat:       env.String("LOG_FORMAT", "json"),
		S3: S3Config{
			Endpoint:  env.String("S3_ENDPOINT", ""),
			AccessKey: env.String("S3_ACCESS_KEY", ""),
			SecretKey: env.String("S3_SECRET_KEY", ""),
		},
	}

	var err error
	if cfg.Slots, err = env.Int("WORKER_SLOTS", 1); err != nil {
		return nil, err
	}
	if cfg.StreamBuffer, err = env.Int("STREAM_BUFFER", 64); err != nil {
		return nil, err
	}
	if cfg.HardLimitGrace, err = env.Duration("HARD_LIMIT_GRACE", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.DefaultTimeLimit, err = env.Duration("DEFAULT_TIME_LIMIT", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.DrainTimeout, err = env.Duration("DRAIN_TIMEOUT", 0); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = env.Duration("HTTP_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.S3.UseSSL, err = env.Bool("S3_USE_SSL", true); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Slots <= 0 {
		return fmt.Errorf("WORKER_SLOTS must be positive, got %d", c.Slots)
	}
	if c.StreamBuffer < 0 {
		return fmt.Errorf("STREAM_BUFFER must not be negative, got %d", c.StreamBuffer)
	}
	if c.ImagePullPolicy != PullAlways && c.ImagePullPolicy != PullMissing {
		return fmt.Errorf("IMAGE_PULL_POLICY must be %q or %q, got %q", PullAlways, PullMissing, c.ImagePullPolicy)
	}
	if c.S3.Enabled() && (c.S3.AccessKey == "" || c.S3.SecretKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY are required when S3_ENDPOINT is set")
	}
	return nil
}

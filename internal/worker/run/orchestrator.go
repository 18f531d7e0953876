// Package run 驱动一次 Run，从任务描述一直到最终状态
package run

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"computeworker/internal/worker/bundle"
	"computeworker/internal/worker/coordinator"
	"computeworker/internal/worker/executor"
	"computeworker/internal/worker/runner"
	"computeworker/internal/worker/stream"
	"computeworker/pkg/model"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ScoresFile 评分程序在 output 目录里写出的文件
const ScoresFile = "scores.json"

// BundleFetcher 下载并解压 bundle
type BundleFetcher interface {
	Fetch(ctx context.Context, sourceURL, destDir string) error
}

// ImageProvider 保证镜像在本地可用
type ImageProvider interface {
	EnsureImage(ctx context.Context, ref string) error
}

// ProgramRunner 运行一次容器调用并转发输出
type ProgramRunner interface {
	Run(ctx context.Context, inv executor.Invocation, endpoint string) (int, error)
}

// ResultUploader 把打包好的 output 上传到结果地址
type ResultUploader interface {
	Upload(ctx context.Context, rawURL, srcPath, contentType string) error
}

type Config struct {
	// Run 工作目录的父目录
	WorkspaceRoot string
	// 访问协调服务的 HTTP 客户端
	HTTPClient *http.Client
	// 最终状态上报的超时，Run 被取消后也会上报
	ReportTimeout time.Duration
}

// Orchestrator 无状态，可以被多个 slot 并发使用；每次 Execute 都有自己的 workspace
type Orchestrator struct {
	cfg      Config
	fetcher  BundleFetcher
	images   ImageProvider
	runner   ProgramRunner
	uploader ResultUploader
	logger   *zap.Logger

	// 测试替换
	acquire func(parent string) (*Workspace, error)
}

func NewOrchestrator(cfg Config, fetcher BundleFetcher, images ImageProvider, runner ProgramRunner, uploader ResultUploader, logger *zap.Logger) *Orchestrator {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 30 * time.Second
	}
	return &Orchestrator{
		cfg:      cfg,
		fetcher:  fetcher,
		images:   images,
		runner:   runner,
		uploader: uploader,
		logger:   logger.Named("run"),
		acquire:  AcquireWorkspace,
	}
}

// Outcome 一次 Run 的结果
type Outcome struct {
	SubmissionID string
	// 最后一次上报的状态
	Status model.RunStatus
	Detail string
	// 成功时为空
	Kind ErrorKind
	// 按顺序记录所有尝试上报的状态
	Reported []model.RunStatus
	Scores   model.ScoreSet
	// 运行错误，以及 workspace 清理错误
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

func (o *Outcome) Succeeded() bool {
	return o.Kind == ""
}

// Record 转换成持久化的运行记录
func (o *Outcome) Record(nodeID string) *model.RunRecord {
	return &model.RunRecord{
		SubmissionID: o.SubmissionID,
		NodeID:       nodeID,
		Status:       o.Status,
		Detail:       o.Detail,
		ErrorKind:    string(o.Kind),
		Scores:       o.Scores,
		StartTime:    o.StartedAt,
		EndTime:      o.FinishedAt,
	}
}

// Execute 运行整个生命周期；workspace 在所有路径上最后被释放
func (o *Orchestrator) Execute(ctx context.Context, job model.JobDescription) (out Outcome) {
	r := &runState{
		job:      job,
		o:        o,
		reporter: coordinator.New(job.APIURL, job.ID, job.Secret, o.cfg.HTTPClient),
		log:      o.logger.With(zap.String("submission_id", job.ID), zap.Bool("is_scoring", job.IsScoring)),
		outcome:  Outcome{SubmissionID: job.ID, StartedAt: time.Now()},
	}
	r.log.Info("received run arguments", zap.String("image", job.DockerImage), zap.Int("time_limit", job.ExecutionTimeLimit))

	if err := job.Validate(); err != nil {
		return r.finalize(ctx, newError(KindConfiguration, "", err))
	}

	ws, err := o.acquire(o.cfg.WorkspaceRoot)
	if err != nil {
		return r.finalize(ctx, newError(KindConfiguration, "", err))
	}
	r.ws = ws
	r.log.Debug("workspace allocated", zap.String("root", ws.Root()))

	defer func() {
		if err := ws.Release(); err != nil {
			r.log.Error("workspace cleanup failed", zap.Error(err))
			out.Err = multierr.Append(out.Err, err)
		}
	}()

	return r.finalize(ctx, r.pipeline(ctx))
}

// runState 一次 Execute 内部的状态，只被一个 goroutine 使用
type runState struct {
	job      model.JobDescription
	o        *Orchestrator
	ws       *Workspace
	reporter *coordinator.Client
	log      *zap.Logger
	outcome  Outcome
}

func (r *runState) pipeline(ctx context.Context) error {
	if err := r.prepare(ctx); err != nil {
		return err
	}
	if err := r.start(ctx); err != nil {
		return err
	}
	if r.job.IsScoring {
		return r.pushScores(ctx)
	}
	return r.pushResult(ctx)
}

type bundleSource struct {
	url  string
	dest string
}

// prepare 下载 bundle 并准备镜像
func (r *runState) prepare(ctx context.Context) error {
	r.report(ctx, model.StatusPreparing, "")

	bundles := []bundleSource{
		{r.job.ProgramData, ProgramDir},
		{r.job.InputData, InputDataDir},
		{r.job.ReferenceData, ReferenceDataDir},
	}
	if r.job.IsScoring {
		// 把提交的结果交给评分程序
		bundles = append(bundles, bundleSource{r.job.Result, filepath.Join(ProgramDir, "input")})
	}

	for _, b := range bundles {
		if b.url == "" {
			continue
		}
		if err := r.o.fetcher.Fetch(ctx, b.url, r.ws.Path(b.dest)); err != nil {
			if errors.Is(err, bundle.ErrFetch) {
				return newError(KindTransport, "", err)
			}
			return newError(KindConfiguration, "", err)
		}
	}

	if r.log.Core().Enabled(zap.DebugLevel) {
		r.listWorkspace()
	}

	// 镜像可能很大，在运行前拉取，不占用参赛者的时间
	if err := r.o.images.EnsureImage(ctx, r.job.DockerImage); err != nil {
		return newError(KindTransport, "", err)
	}
	return nil
}

// start 依次运行 program 和 ingestion_program
func (r *runState) start(ctx context.Context) error {
	if !r.job.IsScoring {
		r.report(ctx, model.StatusRunning, "")
	}

	for _, dir := range []string{ProgramDir, IngestionProgramDir} {
		if err := r.runDirectory(ctx, dir); err != nil {
			return err
		}
	}

	if r.job.IsScoring {
		r.report(ctx, model.StatusFinished, "")
	} else {
		r.report(ctx, model.StatusScoring, "")
	}
	return nil
}

func (r *runState) runDirectory(ctx context.Context, name string) error {
	dir := r.ws.Path(name)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		r.log.Info("directory not found, no program to execute", zap.String("dir", name))
		return nil
	}

	meta, err := ReadProgramMetadata(dir)
	if err != nil {
		return newError(KindConfiguration, "", err)
	}

	outputDir, err := r.ws.EnsureDir(OutputDir)
	if err != nil {
		return newError(KindExecution, "create output dir", err)
	}
	inv, err := executor.BuildInvocation(r.job.DockerImage, dir, outputDir, meta.Command, r.job.TimeLimit())
	if err != nil {
		return newError(KindConfiguration, "", err)
	}
	endpoint, err := stream.EndpointFor(r.job.APIURL, r.job.ID)
	if err != nil {
		return newError(KindConfiguration, "", err)
	}

	r.log.Info("running program", zap.String("dir", name), zap.String("command", meta.Command))
	if _, err := r.o.runner.Run(ctx, inv, endpoint); err != nil {
		var streamErr *runner.StreamError
		if errors.As(err, &streamErr) {
			return newError(KindTransport, "", err)
		}
		return newError(KindExecution, "", err)
	}
	r.log.Info("program finished", zap.String("dir", name))
	return nil
}

// pushScores 读取 scores.json 并提交；提交失败只记录日志
func (r *runState) pushScores(ctx context.Context) error {
	raw, err := os.ReadFile(filepath.Join(r.ws.OutputDir(), ScoresFile))
	if err != nil {
		return newError(KindConfiguration, "scoring program did not write "+ScoresFile, err)
	}
	var scores model.ScoreSet
	if err := json.Unmarshal(raw, &scores); err != nil {
		return newError(KindConfiguration, "invalid "+ScoresFile, err)
	}
	r.outcome.Scores = scores

	r.log.Info("submitting scores", zap.Any("scores", scores))
	if err := r.reporter.SubmitScores(ctx, scores); err != nil {
		r.log.Warn("score submission failed", zap.Error(err))
	}
	return nil
}

// pushResult 打包 output 目录并 PUT 到结果地址
func (r *runState) pushResult(ctx context.Context) error {
	outputDir, err := r.ws.EnsureDir(OutputDir)
	if err != nil {
		return newError(KindExecution, "create output dir", err)
	}
	archive := filepath.Join(r.ws.Root(), uuid.NewString()+".zip")
	if err := bundle.ZipDir(outputDir, archive); err != nil {
		return newError(KindExecution, "archive output", err)
	}

	r.log.Info("uploading result", zap.String("archive", filepath.Base(archive)))
	if err := r.o.uploader.Upload(ctx, r.job.Result, archive, "application/zip"); err != nil {
		return newError(KindTransport, "upload result", err)
	}
	return nil
}

// report 上报失败不会让 Run 失败
func (r *runState) report(ctx context.Context, status model.RunStatus, detail string) {
	r.outcome.Reported = append(r.outcome.Reported, status)
	r.outcome.Status = status
	r.outcome.Detail = detail

	r.log.Info("updating status", zap.Stringer("status", status), zap.String("detail", detail))
	if err := r.reporter.UpdateStatus(ctx, status, detail); err != nil {
		if errors.Is(err, coordinator.ErrInvalidStatus) {
			r.log.DPanic("invalid status reported", zap.Error(err))
			return
		}
		r.log.Warn("status update failed", zap.Stringer("status", status), zap.Error(err))
	}
}

// finalize 根据错误类型决定上报信息
func (r *runState) finalize(ctx context.Context, err error) Outcome {
	if runErr := classify(ctx, err); runErr != nil {
		r.outcome.Kind = runErr.Kind
		r.outcome.Err = runErr
		if runErr.Kind == KindCancellation {
			r.log.Warn("run cancelled", zap.Error(runErr))
		} else {
			r.log.Error("run failed", zap.String("kind", string(runErr.Kind)), zap.Error(runErr))
		}

		// 调用方的 ctx 可能已经取消，终态用独立的 ctx 发送
		reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.cfg.ReportTimeout)
		defer cancel()
		if r.job.APIURL != "" {
			r.report(reportCtx, model.StatusFailed, runErr.Detail())
		} else {
			r.outcome.Status = model.StatusFailed
			r.outcome.Detail = runErr.Detail()
		}
	} else {
		r.log.Info("run complete", zap.Stringer("status", r.outcome.Status))
	}
	r.outcome.FinishedAt = time.Now()
	return r.outcome
}

func (r *runState) listWorkspace() {
	root := r.ws.Root()
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		r.log.Debug("workspace file", zap.String("path", rel))
		return nil
	})
}

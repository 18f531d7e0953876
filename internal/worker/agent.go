package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"computeworker/internal/worker/run"
	"computeworker/pkg/model"
	"computeworker/pkg/store"

	"go.uber.org/zap"
)

// ErrWatchClosed 任务监听在 ctx 结束之前断开
var ErrWatchClosed = errors.New("job watch closed unexpectedly")

// Executor 执行一次完整的 Run，由 run.Orchestrator 实现
type Executor interface {
	Execute(ctx context.Context, job model.JobDescription) run.Outcome
}

type Config struct {
	NodeID  string
	Version string
	// 同时执行的 Run 数量
	Slots int
	// 硬超时 = execution_time_limit + HardLimitGrace
	HardLimitGrace time.Duration
	// execution_time_limit 缺失时使用
	DefaultTimeLimit time.Duration
	// 0 表示一直等待进行中的 Run 结束
	DrainTimeout      time.Duration
	HeartbeatInterval time.Duration
	// ClaimJob 出错后的重试间隔，每次翻倍，最多 MaxClaimBackoff
	ClaimBackoff    time.Duration
	MaxClaimBackoff time.Duration
}

// ActiveRun 正在执行的 Run，供健康检查展示
type ActiveRun struct {
	RunID        string    `json:"run_id"`
	SubmissionID string    `json:"submission_id"`
	Image        string    `json:"image"`
	IsScoring    bool      `json:"is_scoring"`
	StartedAt    time.Time `json:"started_at"`
	Deadline     time.Time `json:"deadline"`
}

type Agent struct {
	cfg    Config
	store  store.Store
	exec   Executor
	logger *zap.Logger

	// 信号量，一个 Run 占一个槽位
	slots chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	active   map[string]ActiveRun
	draining bool
}

func NewAgent(cfg Config, s store.Store, exec Executor, logger *zap.Logger) *Agent {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}
	if cfg.DefaultTimeLimit <= 0 {
		cfg.DefaultTimeLimit = 10 * time.Minute
	}
	if cfg.ClaimBackoff <= 0 {
		cfg.ClaimBackoff = 500 * time.Millisecond
	}
	if cfg.MaxClaimBackoff < cfg.ClaimBackoff {
		cfg.MaxClaimBackoff = 30 * time.Second
	}
	return &Agent{
		cfg:    cfg,
		store:  s,
		exec:   exec,
		logger: logger.Named("worker").With(zap.String("node_id", cfg.NodeID)),
		slots:  make(chan struct{}, cfg.Slots),
		active: make(map[string]ActiveRun),
	}
}

// Run 阻塞直到 ctx 结束，然后等待进行中的 Run 完成
func (a *Agent) Run(ctx context.Context) error {
	// 1. 启动心跳
	go a.startHeartbeat(ctx)

	// 2. 监听任务
	a.logger.Info("waiting for jobs", zap.Int("slots", a.cfg.Slots))
	runCtx, stopRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRuns()
	err := a.watchJobs(ctx, runCtx)

	// 3. 不再领取任务，等待进行中的 Run
	a.drain(stopRuns)
	return err
}

// ActiveRuns 返回按开始时间排序的快照
func (a *Agent) ActiveRuns() []ActiveRun {
	a.mu.Lock()
	runs := make([]ActiveRun, 0, len(a.active))
	for _, r := range a.active {
		runs = append(runs, r)
	}
	a.mu.Unlock()

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs
}

// Draining 是否已经停止领取新任务
func (a *Agent) Draining() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.draining
}

func (a *Agent) startHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	a.register(ctx)
	for {
		select {
		case <-ticker.C:
			a.register(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) watchJobs(ctx, runCtx context.Context) error {
	eventCh := a.store.WatchJobs(ctx)

	for event := range eventCh {
		// 领取时会删除排队的 key，删除事件忽略
		if event.Type == store.JobDelete || event.Job == nil || event.RunID == "" {
			continue
		}

		// 先拿到槽位再领取，没有空闲槽位时把任务留给其他节点
		select {
		case a.slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		job := *event.Job
		if !a.claim(ctx, event.RunID, job.ID) {
			<-a.slots
			continue
		}

		a.logger.Info("claimed job",
			zap.String("run_id", event.RunID),
			zap.String("submission_id", job.ID),
			zap.Bool("is_scoring", job.IsScoring))
		a.wg.Add(1)
		go a.executeJob(runCtx, event.RunID, job)
	}

	if ctx.Err() != nil {
		return nil
	}
	return ErrWatchClosed
}

// claim 领取出错 (比如 etcd 正在选主) 时按指数退避重试
// 队列只在启动时回放一次，这里放弃就没有节点会再看到这个 Run，所以只在 ctx 结束时放弃
func (a *Agent) claim(ctx context.Context, runID, submissionID string) bool {
	log := a.logger.With(zap.String("run_id", runID), zap.String("submission_id", submissionID))
	backoff := a.cfg.ClaimBackoff
	for {
		claimed, err := a.store.ClaimJob(ctx, runID, a.cfg.NodeID)
		if err == nil {
			if !claimed {
				log.Debug("run already claimed")
			}
			return claimed
		}

		log.Warn("claim failed, retrying", zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}
		backoff *= 2
		if backoff > a.cfg.MaxClaimBackoff {
			backoff = a.cfg.MaxClaimBackoff
		}
	}
}

// executeJob 在硬超时内执行，并保存运行记录
func (a *Agent) executeJob(ctx context.Context, runID string, job model.JobDescription) {
	defer func() {
		<-a.slots
		a.wg.Done()
	}()

	if job.ExecutionTimeLimit <= 0 {
		job.ExecutionTimeLimit = int(a.cfg.DefaultTimeLimit / time.Second)
	}
	limit := job.TimeLimit() + a.cfg.HardLimitGrace
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	deadline, _ := ctx.Deadline()
	a.track(ActiveRun{
		RunID:        runID,
		SubmissionID: job.ID,
		Image:        job.DockerImage,
		IsScoring:    job.IsScoring,
		StartedAt:    time.Now(),
		Deadline:     deadline,
	})
	defer a.untrack(runID)

	out := a.exec.Execute(ctx, job)

	log := a.logger.With(zap.String("run_id", runID), zap.String("submission_id", job.ID))
	if out.Succeeded() {
		log.Info("run succeeded", zap.Stringer("status", out.Status))
	} else {
		log.Warn("run failed", zap.String("kind", string(out.Kind)), zap.String("detail", out.Detail))
	}

	// ctx 可能已经超时，记录用独立的 ctx 保存
	saveCtx, cancelSave := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancelSave()
	rec := out.Record(a.cfg.NodeID)
	rec.RunID = runID
	if err := a.store.SaveRunRecord(saveCtx, rec); err != nil {
		log.Error("failed to save run record", zap.Error(err))
	}
}

func (a *Agent) drain(stopRuns context.CancelFunc) {
	a.mu.Lock()
	a.draining = true
	inFlight := len(a.active)
	a.mu.Unlock()

	a.logger.Info("draining", zap.Int("in_flight", inFlight))
	regCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	a.register(regCtx)
	cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	if a.cfg.DrainTimeout <= 0 {
		<-done
		return
	}
	select {
	case <-done:
	case <-time.After(a.cfg.DrainTimeout):
		a.logger.Warn("drain timeout, cancelling runs", zap.Duration("timeout", a.cfg.DrainTimeout))
		stopRuns()
		<-done
	}
}

func (a *Agent) track(r ActiveRun) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active[r.RunID] = r
}

func (a *Agent) untrack(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.active, id)
}

func (a *Agent) register(ctx context.Context) {
	a.mu.Lock()
	status := model.NodeReady
	if a.draining {
		status = model.NodeDraining
	}
	node := &model.Node{
		ID:            a.cfg.NodeID,
		Version:       a.cfg.Version,
		Slots:         a.cfg.Slots,
		BusySlots:     len(a.active),
		Status:        status,
		LastHeartbeat: time.Now().Unix(),
	}
	a.mu.Unlock()

	if err := a.store.RegisterNode(ctx, node); err != nil && ctx.Err() == nil {
		a.logger.Warn("heartbeat failed", zap.Error(err))
	}
}

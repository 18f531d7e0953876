package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"computeworker/internal/worker/run"
	"computeworker/pkg/model"
	"computeworker/pkg/store"

	"go.uber.org/zap"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"
)

type fakeStore struct {
	events chan store.JobEvent

	mu      sync.Mutex
	claims  map[string]string
	records map[string]*model.RunRecord
	nodes   []model.Node
	// 前 claimErrs 次 ClaimJob 返回错误
	claimErrs  int
	claimCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:  make(chan store.JobEvent),
		claims:  map[string]string{},
		records: map[string]*model.RunRecord{},
	}
}

func (f *fakeStore) EnqueueJob(ctx context.Context, job *model.JobDescription) (string, error) {
	return "run-" + job.ID, nil
}

func (f *fakeStore) WatchJobs(ctx context.Context) <-chan store.JobEvent {
	out := make(chan store.JobEvent)
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-f.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (f *fakeStore) ClaimJob(ctx context.Context, runID, nodeID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimCalls++
	if f.claimCalls <= f.claimErrs {
		return false, errors.New("etcdserver: leader changed")
	}
	if _, ok := f.claims[runID]; ok {
		return false, nil
	}
	f.claims[runID] = nodeID
	return true, nil
}

func (f *fakeStore) SaveRunRecord(ctx context.Context, rec *model.RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.RunID] = rec
	return nil
}

func (f *fakeStore) RunRecords(ctx context.Context, submissionID string) ([]*model.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.RunRecord
	for _, rec := range f.records {
		if rec.SubmissionID == submissionID {
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		return nil, store.ErrRunNotFound
	}
	return out, nil
}

func (f *fakeStore) RegisterNode(ctx context.Context, node *model.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = append(f.nodes, *node)
	return nil
}

func (f *fakeStore) ListNodes(ctx context.Context) ([]*model.Node, error) { return nil, nil }

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) record(id string) *model.RunRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[id]
}

func (f *fakeStore) lastNode() model.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.nodes) == 0 {
		return model.Node{}
	}
	return f.nodes[len(f.nodes)-1]
}

type execCall struct {
	job      model.JobDescription
	deadline time.Time
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []execCall
	// 非空时 Execute 阻塞到收到信号或 ctx 结束
	release chan struct{}
}

func (f *fakeExecutor) Execute(ctx context.Context, job model.JobDescription) run.Outcome {
	deadline, _ := ctx.Deadline()
	f.mu.Lock()
	f.calls = append(f.calls, execCall{job: job, deadline: deadline})
	f.mu.Unlock()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return run.Outcome{
				SubmissionID: job.ID,
				Status:       model.StatusFailed,
				Detail:       run.TimeLimitExceeded,
				Kind:         run.KindCancellation,
			}
		}
	}
	return run.Outcome{SubmissionID: job.ID, Status: model.StatusScoring}
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// queued 模拟 EtcdStore 推送的排队事件，RunID 由测试指定
func queued(runID string, job *model.JobDescription) store.JobEvent {
	return store.JobEvent{Type: store.JobCreate, RunID: runID, Job: job}
}

func testJob(id string, limit int) *model.JobDescription {
	return &model.JobDescription{
		ID:                 id,
		APIURL:             "http://coordinator.local",
		DockerImage:        "python:3.12",
		Secret:             "s",
		Result:             "http://blob.local/" + id,
		ExecutionTimeLimit: limit,
	}
}

func startAgent(t *testing.T, cfg Config, s store.Store, exec Executor) (*Agent, context.CancelFunc, <-chan error) {
	t.Helper()
	if cfg.NodeID == "" {
		cfg.NodeID = "node-1"
	}
	agent := NewAgent(cfg, s, exec, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- agent.Run(ctx) }()
	t.Cleanup(cancel)
	return agent, cancel, errCh
}

func TestAgent_ClaimsOnce(t *testing.T) {
	s := newFakeStore()
	exec := &fakeExecutor{}
	_, cancel, errCh := startAgent(t, Config{Slots: 2}, s, exec)

	job := testJob("sub-1", 30)
	s.events <- queued("run-1", job)
	s.events <- store.JobEvent{Type: store.JobUpdate, RunID: "run-1", Job: job}
	s.events <- store.JobEvent{Type: store.JobDelete, RunID: "run-1"}

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if s.record("run-1") == nil {
			return poll.Continue("run record not saved yet")
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second))

	cancel()
	assert.NilError(t, <-errCh)
	assert.Equal(t, exec.count(), 1)

	rec := s.record("run-1")
	assert.Equal(t, rec.NodeID, "node-1")
	assert.Equal(t, rec.Status, model.StatusScoring)
	assert.Equal(t, s.claims["run-1"], "node-1")
}

func TestAgent_SkipsJobsClaimedElsewhere(t *testing.T) {
	s := newFakeStore()
	s.claims["run-taken"] = "node-2"
	exec := &fakeExecutor{}
	_, cancel, errCh := startAgent(t, Config{Slots: 1}, s, exec)

	s.events <- queued("run-taken", testJob("taken", 30))
	s.events <- queued("run-free", testJob("free", 30))

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if s.record("run-free") == nil {
			return poll.Continue("waiting for free job")
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second))

	cancel()
	assert.NilError(t, <-errCh)
	assert.Equal(t, exec.count(), 1)
	assert.Check(t, s.record("run-taken") == nil)
}

func TestAgent_HardLimit(t *testing.T) {
	s := newFakeStore()
	exec := &fakeExecutor{}
	_, cancel, errCh := startAgent(t, Config{
		Slots:            2,
		HardLimitGrace:   15 * time.Second,
		DefaultTimeLimit: 2 * time.Minute,
	}, s, exec)

	start := time.Now()
	s.events <- queued("run-limited", testJob("limited", 60))
	s.events <- queued("run-unlimited", testJob("unlimited", 0))

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if exec.count() < 2 {
			return poll.Continue("waiting for runs")
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second))
	cancel()
	assert.NilError(t, <-errCh)

	byID := map[string]execCall{}
	for _, c := range exec.calls {
		byID[c.job.ID] = c
	}
	within := func(got time.Time, want time.Duration) bool {
		d := got.Sub(start)
		return d >= want-time.Second && d <= want+time.Second
	}
	assert.Check(t, within(byID["limited"].deadline, 75*time.Second))
	assert.Check(t, within(byID["unlimited"].deadline, 135*time.Second))
	assert.Equal(t, byID["unlimited"].job.ExecutionTimeLimit, 120)
}

func TestAgent_SlotsBoundConcurrency(t *testing.T) {
	s := newFakeStore()
	exec := &fakeExecutor{release: make(chan struct{})}
	agent, cancel, errCh := startAgent(t, Config{Slots: 1}, s, exec)

	s.events <- queued("run-first", testJob("first", 30))
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if len(agent.ActiveRuns()) != 1 {
			return poll.Continue("first run not active")
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second))

	// 槽位满时不领取第二个任务
	second := make(chan struct{})
	go func() {
		s.events <- queued("run-second", testJob("second", 30))
		close(second)
	}()
	<-second
	time.Sleep(50 * time.Millisecond)
	s.mu.Lock()
	_, claimed := s.claims["run-second"]
	s.mu.Unlock()
	assert.Check(t, !claimed)
	assert.Equal(t, exec.count(), 1)

	exec.release <- struct{}{}
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if exec.count() != 2 {
			return poll.Continue("second run not started")
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second))

	runs := agent.ActiveRuns()
	assert.Assert(t, is.Len(runs, 1))
	assert.Equal(t, runs[0].SubmissionID, "second")
	assert.Equal(t, runs[0].RunID, "run-second")

	exec.release <- struct{}{}
	cancel()
	assert.NilError(t, <-errCh)
}

func TestAgent_DrainsOnShutdown(t *testing.T) {
	s := newFakeStore()
	exec := &fakeExecutor{release: make(chan struct{})}
	agent, cancel, errCh := startAgent(t, Config{Slots: 1}, s, exec)

	s.events <- queued("run-inflight", testJob("inflight", 30))
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if exec.count() != 1 {
			return poll.Continue("run not started")
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second))

	cancel()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if !agent.Draining() {
			return poll.Continue("not draining")
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second))

	select {
	case <-errCh:
		t.Fatal("agent returned before the in-flight run finished")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, s.lastNode().Status, model.NodeDraining)

	exec.release <- struct{}{}
	assert.NilError(t, <-errCh)

	rec := s.record("run-inflight")
	assert.Assert(t, rec != nil)
	// 退出信号不会取消已经开始的 Run
	assert.Equal(t, rec.Status, model.StatusScoring)
}

func TestAgent_DrainTimeoutCancelsRuns(t *testing.T) {
	s := newFakeStore()
	exec := &fakeExecutor{release: make(chan struct{})}
	_, cancel, errCh := startAgent(t, Config{Slots: 1, DrainTimeout: 20 * time.Millisecond}, s, exec)

	s.events <- queued("run-stuck", testJob("stuck", 30))
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if exec.count() != 1 {
			return poll.Continue("run not started")
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second))

	cancel()
	assert.NilError(t, <-errCh)
	rec := s.record("run-stuck")
	assert.Assert(t, rec != nil)
	assert.Equal(t, rec.Status, model.StatusFailed)
	assert.Equal(t, rec.ErrorKind, string(run.KindCancellation))
}

func TestAgent_WatchClosed(t *testing.T) {
	s := newFakeStore()
	_, _, errCh := startAgent(t, Config{}, s, &fakeExecutor{})

	close(s.events)
	err := <-errCh
	assert.Check(t, errors.Is(err, ErrWatchClosed))
}

func TestAgent_Heartbeat(t *testing.T) {
	s := newFakeStore()
	_, cancel, errCh := startAgent(t, Config{Slots: 3, Version: "v1.2.0", HeartbeatInterval: 10 * time.Millisecond}, s, &fakeExecutor{})

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		s.mu.Lock()
		n := len(s.nodes)
		s.mu.Unlock()
		if n < 2 {
			return poll.Continue("waiting for heartbeats")
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second), poll.WithDelay(5*time.Millisecond))

	node := s.lastNode()
	assert.Equal(t, node.ID, "node-1")
	assert.Equal(t, node.Slots, 3)
	assert.Equal(t, node.Version, "v1.2.0")
	cancel()
	assert.NilError(t, <-errCh)
}

func TestAgent_PredictionAndScoringRunsOfOneSubmission(t *testing.T) {
	s := newFakeStore()
	exec := &fakeExecutor{}
	_, cancel, errCh := startAgent(t, Config{Slots: 1}, s, exec)

	prediction := testJob("42", 30)
	scoring := testJob("42", 30)
	scoring.IsScoring = true
	s.events <- queued("run-a", prediction)
	s.events <- queued("run-b", scoring)

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if s.record("run-a") == nil || s.record("run-b") == nil {
			return poll.Continue("waiting for both runs")
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second))
	cancel()
	assert.NilError(t, <-errCh)

	assert.Equal(t, exec.count(), 2)
	assert.Check(t, !exec.calls[0].job.IsScoring)
	assert.Check(t, exec.calls[1].job.IsScoring)

	records, err := s.RunRecords(context.Background(), "42")
	assert.NilError(t, err)
	assert.Check(t, is.Len(records, 2))
}

func TestAgent_RetriesClaimAfterError(t *testing.T) {
	s := newFakeStore()
	s.claimErrs = 2
	exec := &fakeExecutor{}
	_, cancel, errCh := startAgent(t, Config{Slots: 1, ClaimBackoff: 5 * time.Millisecond}, s, exec)

	s.events <- queued("run-flaky", testJob("flaky", 30))
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if s.record("run-flaky") == nil {
			return poll.Continue("run not executed after claim errors")
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second))
	cancel()
	assert.NilError(t, <-errCh)

	assert.Equal(t, exec.count(), 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, s.claimCalls, 3)
	assert.Equal(t, s.claims["run-flaky"], "node-1")
}

func TestAgent_ClaimRetryStopsOnShutdown(t *testing.T) {
	s := newFakeStore()
	s.claimErrs = 1 << 30
	exec := &fakeExecutor{}
	_, cancel, errCh := startAgent(t, Config{Slots: 1, ClaimBackoff: time.Millisecond, MaxClaimBackoff: 4 * time.Millisecond}, s, exec)

	s.events <- queued("run-stranded", testJob("stranded", 30))
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		s.mu.Lock()
		n := s.claimCalls
		s.mu.Unlock()
		if n < 5 {
			return poll.Continue("waiting for claim retries")
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second))

	cancel()
	assert.NilError(t, <-errCh)
	assert.Equal(t, exec.count(), 0)
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"computeworker/pkg/model"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultPrefix 所有 Key 的根前缀
const DefaultPrefix = "/compute"

// 节点心跳租约 (秒)，心跳间隔应明显小于它
const nodeLeaseTTL = 10

// ErrRunNotFound 查询的运行记录不存在
var ErrRunNotFound = errors.New("run record not found")

// keySpace 定义 Key 的布局 (Schema Design)
type keySpace struct {
	prefix string
}

func (k keySpace) jobs() string { return path.Join(k.prefix, "jobs") + "/" }
func (k keySpace) claims() string { return path.Join(k.prefix, "claims") + "/" }
func (k keySpace) runs() string { return path.Join(k.prefix, "runs") + "/" }
func (k keySpace) nodes() string { return path.Join(k.prefix, "nodes") + "/" }
// 队列和领取都按 RunID 区分，运行记录挂在提交下面
func (k keySpace) job(runID string) string { return k.jobs() + runID }
func (k keySpace) claim(runID string) string { return k.claims() + runID }
func (k keySpace) submissionRuns(submissionID string) string { return k.runs() + submissionID + "/" }
func (k keySpace) run(submissionID, runID string) string { return k.submissionRuns(submissionID) + runID }
func (k keySpace) node(id string) string { return k.nodes() + id }
func (k keySpace) runID(jobKey string) string { return strings.TrimPrefix(jobKey, k.jobs()) }

type EtcdStore struct {
	client  *clientv3.Client
	keys    keySpace
	logger  *zap.Logger
	nodeTTL int64
}

// NewEtcdStore 初始化 Etcd 连接
func NewEtcdStore(endpoints []string, prefix string, logger *zap.Logger) (*EtcdStore, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return &EtcdStore{
		client:  cli,
		keys:    keySpace{prefix: prefix},
		logger:  logger.Named("store"),
		nodeTTL: nodeLeaseTTL,
	}, nil
}

func (e *EtcdStore) Close() error {
	return e.client.Close()
}

// ---------------------------------------------------------
// Job 相关实现
// ---------------------------------------------------------

// EnqueueJob 每次入队都分配新的 RunID，同一个提交的多次 Run 互不覆盖
func (e *EtcdStore) EnqueueJob(ctx context.Context, job *model.JobDescription) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	runID := uuid.NewString()
	if err := e.putValue(ctx, e.keys.job(runID), job); err != nil {
		return "", err
	}
	return runID, nil
}

// WatchJobs 核心难点：将 Etcd 的 Get + Watch 转换为业务 Channel
func (e *EtcdStore) WatchJobs(ctx context.Context) <-chan JobEvent {
	eventChan := make(chan JobEvent)

	go func() {
		defer close(eventChan)

		// 1. 先把已经在排队的任务读出来，否则 Worker 重启后会漏掉它们
		resp, err := e.client.Get(ctx, e.keys.jobs(), clientv3.WithPrefix())
		if err != nil {
			e.logger.Error("list queued jobs failed", zap.Error(err))
			return
		}
		for _, kv := range resp.Kvs {
			job, err := decodeJob(kv.Value)
			if err != nil {
				e.logger.Warn("skip undecodable job", zap.String("key", string(kv.Key)), zap.Error(err))
				continue
			}
			if !send(ctx, eventChan, JobEvent{Type: JobCreate, RunID: e.keys.runID(string(kv.Key)), Job: job}) {
				return
			}
		}

		// 2. 从快照之后的 revision 开始监听，避免重复和遗漏
		watchChan := e.client.Watch(ctx, e.keys.jobs(),
			clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))

		for watchResp := range watchChan {
			if err := watchResp.Err(); err != nil {
				e.logger.Error("watch jobs failed", zap.Error(err))
				return
			}
			for _, ev := range watchResp.Events {
				var event JobEvent
				switch ev.Type {
				case clientv3.EventTypePut:
					job, err := decodeJob(ev.Kv.Value)
					if err != nil {
						e.logger.Warn("skip undecodable job", zap.String("key", string(ev.Kv.Key)), zap.Error(err))
						continue
					}
					event = JobEvent{Type: JobUpdate, RunID: e.keys.runID(string(ev.Kv.Key)), Job: job}
					if ev.IsCreate() {
						event.Type = JobCreate
					}
				case clientv3.EventTypeDelete:
					event = JobEvent{Type: JobDelete, RunID: e.keys.runID(string(ev.Kv.Key))}
				}
				if !send(ctx, eventChan, event) {
					return
				}
			}
		}
	}()

	return eventChan
}

// ClaimJob 使用事务：Run 还在队列里且 claim key 不存在时才写入，并删除排队中的任务
func (e *EtcdStore) ClaimJob(ctx context.Context, runID, nodeID string) (bool, error) {
	claimKey := e.keys.claim(runID)
	jobKey := e.keys.job(runID)
	resp, err := e.client.Txn(ctx).
		If(
			clientv3.Compare(clientv3.CreateRevision(claimKey), "=", 0),
			clientv3.Compare(clientv3.CreateRevision(jobKey), ">", 0),
		).
		Then(
			clientv3.OpPut(claimKey, nodeID),
			clientv3.OpDelete(jobKey),
		).
		Commit()
	if err != nil {
		return false, fmt.Errorf("claim run %s: %w", runID, err)
	}
	return resp.Succeeded, nil
}

// ---------------------------------------------------------
// Run 记录
// ---------------------------------------------------------

func (e *EtcdStore) SaveRunRecord(ctx context.Context, rec *model.RunRecord) error {
	if rec.RunID == "" || rec.SubmissionID == "" {
		return errors.New("run record needs run_id and submission_id")
	}
	return e.putValue(ctx, e.keys.run(rec.SubmissionID, rec.RunID), rec)
}

func (e *EtcdStore) RunRecords(ctx context.Context, submissionID string) ([]*model.RunRecord, error) {
	resp, err := e.client.Get(ctx, e.keys.submissionRuns(submissionID), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, submissionID)
	}

	records := make([]*model.RunRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec model.RunRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode run record %s: %w", kv.Key, err)
		}
		records = append(records, &rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartTime.Before(records[j].StartTime)
	})
	return records, nil
}

// ---------------------------------------------------------
// Node 相关实现
// ---------------------------------------------------------

// RegisterNode 每次心跳都挂一个新租约，节点停止心跳后记录自动消失
func (e *EtcdStore) RegisterNode(ctx context.Context, node *model.Node) error {
	lease, err := e.client.Grant(ctx, e.nodeTTL)
	if err != nil {
		return fmt.Errorf("grant node lease: %w", err)
	}
	bytes, err := json.Marshal(node)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, e.keys.node(node.ID), string(bytes), clientv3.WithLease(lease.ID))
	return err
}

func (e *EtcdStore) ListNodes(ctx context.Context) ([]*model.Node, error) {
	resp, err := e.client.Get(ctx, e.keys.nodes(), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	nodes := make([]*model.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node model.Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			e.logger.Warn("failed to unmarshal node", zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdStore) putValue(ctx context.Context, key string, val any) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(bytes))
	return err
}

func decodeJob(raw []byte) (*model.JobDescription, error) {
	var job model.JobDescription
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, errors.New("job without id")
	}
	return &job, nil
}

func send(ctx context.Context, ch chan<- JobEvent, ev JobEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

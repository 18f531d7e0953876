package store

import (
	"context"

	"computeworker/pkg/model"
)

// JobEventType 定义监听事件类型
type JobEventType int

const (
	JobCreate JobEventType = iota
	JobUpdate
	JobDelete
)

// JobEvent 包装了 Etcd 中排队任务的变化
// Worker 通过这个结构体知道有新任务来了
// RunID 是排队时分配的运行标识；同一个提交的预测和评分是两次不同的 Run
type JobEvent struct {
	Type  JobEventType
	RunID string
	Job   *model.JobDescription
}

// Store 接口定义了 Worker 对存储层的所有需求
// 任何实现了这个接口的 Struct (比如 EtcdStore) 都可以被注入到 Agent 中
type Store interface {
	// --- Job 相关 ---

	// EnqueueJob 提交一个等待执行的任务描述，返回新分配的 RunID
	EnqueueJob(ctx context.Context, job *model.JobDescription) (string, error)

	// WatchJobs 先回放已排队的任务，再监听新的任务 (返回一个只读通道)
	WatchJobs(ctx context.Context) <-chan JobEvent

	// ClaimJob 原子地领取一次 Run，保证它最多执行一次
	// 返回 false 表示已经被别的节点领取，或者已经不在队列里
	ClaimJob(ctx context.Context, runID, nodeID string) (bool, error)

	// --- Run 记录 ---

	SaveRunRecord(ctx context.Context, rec *model.RunRecord) error
	// RunRecords 返回一个提交的所有运行记录，按开始时间排序
	RunRecords(ctx context.Context, submissionID string) ([]*model.RunRecord, error)

	// --- Node 相关 ---

	// RegisterNode 节点注册/心跳 (带租约，节点挂掉后自动过期)
	RegisterNode(ctx context.Context, node *model.Node) error

	// ListNodes 获取所有存活节点
	ListNodes(ctx context.Context) ([]*model.Node, error)

	Close() error
}

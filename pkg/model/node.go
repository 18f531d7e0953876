package model

// NodeStatus 节点健康状态
type NodeStatus string

const (
	NodeReady    NodeStatus = "READY"
	NodeDraining NodeStatus = "DRAINING" // 收到退出信号，不再领取新任务
)

type Node struct {
	ID      string `json:"id"` // 唯一标识，通常是 Hostname
	Version string `json:"version"`

	// 执行槽位：一个 Run 占用一个槽位
	Slots     int `json:"slots"`
	BusySlots int `json:"busy_slots"`

	Status        NodeStatus `json:"status"`
	LastHeartbeat int64      `json:"last_heartbeat"` // Unix 时间戳
}

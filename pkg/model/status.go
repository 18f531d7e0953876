package model

// RunStatus 协调服务看到的提交状态
type RunStatus string

const (
	StatusNone       RunStatus = "None"
	StatusSubmitting RunStatus = "Submitting"
	StatusSubmitted  RunStatus = "Submitted"
	StatusPreparing  RunStatus = "Preparing"
	StatusRunning    RunStatus = "Running"
	StatusScoring    RunStatus = "Scoring"
	StatusFinished   RunStatus = "Finished"
	StatusFailed     RunStatus = "Failed"
)

// AvailableStatuses 是唯一允许上报的状态集合
var AvailableStatuses = []RunStatus{
	StatusNone,
	StatusSubmitting,
	StatusSubmitted,
	StatusPreparing,
	StatusRunning,
	StatusScoring,
	StatusFinished,
	StatusFailed,
}

// Valid 判断状态是否属于固定枚举
func (s RunStatus) Valid() bool {
	for _, v := range AvailableStatuses {
		if s == v {
			return true
		}
	}
	return false
}

func (s RunStatus) String() string {
	return string(s)
}

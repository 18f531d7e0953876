package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobDescription 是任务队列投递给 Worker 的一次运行描述，收到后不可修改
type JobDescription struct {
	ID                 string `json:"id"`
	APIURL             string `json:"api_url"`
	DockerImage        string `json:"docker_image"`
	Secret             string `json:"secret"`
	Result             string `json:"result"`               // 结果上传地址 (签名 URL)
	ExecutionTimeLimit int    `json:"execution_time_limit"` // 秒
	IsScoring          bool   `json:"is_scoring"`

	// 可选的 bundle 地址
	ProgramData   string `json:"program_data,omitempty"`
	InputData     string `json:"input_data,omitempty"`
	ReferenceData string `json:"reference_data,omitempty"`
}

// Validate 检查必填字段
func (j *JobDescription) Validate() error {
	var missing []string
	if strings.TrimSpace(j.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(j.APIURL) == "" {
		missing = append(missing, "api_url")
	}
	if strings.TrimSpace(j.DockerImage) == "" {
		missing = append(missing, "docker_image")
	}
	if strings.TrimSpace(j.Result) == "" {
		missing = append(missing, "result")
	}
	if len(missing) > 0 {
		return fmt.Errorf("job description missing required fields: %s", strings.Join(missing, ", "))
	}
	if j.ExecutionTimeLimit <= 0 {
		return errors.New("job description execution_time_limit must be positive")
	}
	return nil
}

// TimeLimit 把秒数转换成 Duration
func (j *JobDescription) TimeLimit() time.Duration {
	return time.Duration(j.ExecutionTimeLimit) * time.Second
}

// ScoreSet 评分程序写在 output/scores.json 里的结果
type ScoreSet map[string]float64

// RunRecord 一次运行结束后保存到 Etcd 的记录
type RunRecord struct {
	RunID        string    `json:"run_id"`
	SubmissionID string    `json:"submission_id"`
	NodeID       string    `json:"node_id"`
	Status       RunStatus `json:"status"`
	Detail       string    `json:"detail,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	Scores       ScoreSet  `json:"scores,omitempty"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
}

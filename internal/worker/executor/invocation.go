package executor

import (
	"fmt"
	"strings"
	"time"
)

// 容器内固定的挂载路径
const (
	ContainerWorkDir   = "/app"
	ContainerOutputDir = "/app/output"
)

// Invocation 一次容器调用的完整描述，安全相关的参数在 BuildInvocation 里固定
type Invocation struct {
	Image     string
	WorkDir   string // 宿主机上的程序目录
	OutputDir string // 宿主机上的 output 目录
	Command   []string
	TimeLimit time.Duration
}

// BuildInvocation 命令只按空白拆分，不支持引号
func BuildInvocation(image, workDir, outputDir, command string, timeLimit time.Duration) (Invocation, error) {
	args := SplitCommand(command)
	if len(args) == 0 {
		return Invocation{}, fmt.Errorf("empty command")
	}
	return Invocation{
		Image:     image,
		WorkDir:   workDir,
		OutputDir: outputDir,
		Command:   args,
		TimeLimit: timeLimit,
	}, nil
}

func SplitCommand(command string) []string {
	return strings.Fields(command)
}

// StopTimeoutSeconds 运行时自己强制执行的上限，至少 1 秒
func (inv Invocation) StopTimeoutSeconds() int {
	secs := int(inv.TimeLimit / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (inv Invocation) Binds() []string {
	return []string{
		inv.WorkDir + ":" + ContainerWorkDir,
		inv.OutputDir + ":" + ContainerOutputDir,
	}
}

func (inv Invocation) Env() []string {
	// 关闭 Python 输出缓冲，进程退出时不丢输出
	return []string{"PYTHONUNBUFFERED=1"}
}

// Args 等价的 docker CLI 参数，用于日志和排查
func (inv Invocation) Args() []string {
	args := []string{
		"docker", "run",
		"--rm",
		fmt.Sprintf("--stop-timeout=%d", inv.StopTimeoutSeconds()),
		"--security-opt=no-new-privileges",
	}
	for _, b := range inv.Binds() {
		args = append(args, "-v", b)
	}
	args = append(args, "-w", ContainerWorkDir)
	for _, e := range inv.Env() {
		args = append(args, "-e", e)
	}
	args = append(args, inv.Image)
	return append(args, inv.Command...)
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

const killTimeout = 10 * time.Second

// PullPolicy 控制 EnsureImage 的行为
type PullPolicy string

const (
	PullAlways  PullPolicy = "always"
	PullMissing PullPolicy = "missing"
)

// dockerAPI 是用到的 Docker SDK 子集，方便测试替换
type dockerAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, container string, options types.ContainerAttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, container string, options types.ContainerStartOptions) error
	ContainerWait(ctx context.Context, container string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, container, signal string) error
}

type DockerExecutor struct {
	cli    dockerAPI
	policy PullPolicy
	logger *zap.Logger
}

// NewDockerExecutor 自动从环境变量或默认路径连接本地 Docker
func NewDockerExecutor(policy PullPolicy, logger *zap.Logger) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newDockerExecutor(cli, policy, logger), nil
}

func newDockerExecutor(cli dockerAPI, policy PullPolicy, logger *zap.Logger) *DockerExecutor {
	if policy == "" {
		policy = PullAlways
	}
	return &DockerExecutor{cli: cli, policy: policy, logger: logger.Named("docker")}
}

// EnsureImage 在运行前拉取镜像，拉取时间不计入参赛者的运行时间
func (e *DockerExecutor) EnsureImage(ctx context.Context, ref string) error {
	if e.policy == PullMissing {
		if _, _, err := e.cli.ImageInspectWithRaw(ctx, ref); err == nil {
			e.logger.Info("image present, skipping pull", zap.String("image", ref))
			return nil
		} else if !client.IsErrNotFound(err) {
			return fmt.Errorf("inspect image %s: %w", ref, err)
		}
	}

	e.logger.Info("pulling image", zap.String("image", ref))
	reader, err := e.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("docker pull for %s failed: %w", ref, err)
	}
	defer reader.Close()

	// 拉取进度是 JSON 流，错误 (比如 manifest unknown) 也在里面
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("docker pull for %s failed: %w", ref, err)
	}
	e.logger.Info("docker pull complete", zap.String("image", ref))
	return nil
}

// Run 创建并运行容器，把 stdout/stderr 拆开写到两个 Writer，返回退出码
// ctx 被取消时强制 kill 容器，AutoRemove 负责删除
func (e *DockerExecutor) Run(ctx context.Context, inv Invocation, stdout, stderr io.Writer) (int, error) {
	// 1. 创建容器 (Create Container)
	resp, err := e.cli.ContainerCreate(ctx, containerConfig(inv), hostConfig(inv), nil, nil, "")
	if err != nil {
		return -1, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID
	log := e.logger.With(zap.String("container", shortID(containerID)))
	log.Debug("container created")

	// 2. 先注册 Wait 和 Attach，AutoRemove 的容器退出后就查不到了
	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionRemoved)

	hijacked, err := e.cli.ContainerAttach(ctx, containerID, types.ContainerAttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		e.kill(containerID, log)
		return -1, fmt.Errorf("attach container: %w", err)
	}
	defer hijacked.Close()

	copyDone := make(chan error, 1)
	go func() {
		// stdcopy 会把 docker 的多路复用流拆分
		_, err := stdcopy.StdCopy(stdout, stderr, hijacked.Reader)
		copyDone <- err
	}()

	// 3. 启动容器 (Start Container)
	if err := e.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		e.kill(containerID, log)
		stopCopy(hijacked, copyDone)
		return -1, fmt.Errorf("start container: %w", err)
	}
	log.Info("container started", zap.Strings("cmd", inv.Command))

	// 4. 等待容器结束 (Wait)
	var exitCode int
	select {
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
		if status.Error != nil && status.Error.Message != "" {
			log.Warn("container wait reported error", zap.String("error", status.Error.Message))
		}
	case err := <-errCh:
		if ctx.Err() != nil {
			e.kill(containerID, log)
			stopCopy(hijacked, copyDone)
			return -1, ctx.Err()
		}
		e.kill(containerID, log)
		stopCopy(hijacked, copyDone)
		return -1, fmt.Errorf("wait container: %w", err)
	case <-ctx.Done():
		e.kill(containerID, log)
		stopCopy(hijacked, copyDone)
		return -1, ctx.Err()
	}

	// 5. 输出流在容器退出后结束，等它全部写完再返回
	select {
	case err := <-copyDone:
		if err != nil && !errors.Is(err, io.EOF) {
			return exitCode, fmt.Errorf("read container output: %w", err)
		}
	case <-ctx.Done():
		stopCopy(hijacked, copyDone)
		return exitCode, ctx.Err()
	}

	log.Info("container exited", zap.Int("exit_code", exitCode))
	return exitCode, nil
}

// kill 使用独立的 context，调用方的 ctx 可能已经取消
func (e *DockerExecutor) kill(containerID string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := e.cli.ContainerKill(ctx, containerID, "SIGKILL"); err != nil && !client.IsErrNotFound(err) {
		log.Warn("failed to kill container", zap.Error(err))
		return
	}
	log.Info("container killed")
}

// stopCopy 断开 attach 连接并等待 stdcopy 退出，返回后不会再写 stdout/stderr
func stopCopy(hijacked types.HijackedResponse, copyDone <-chan error) {
	hijacked.Close()
	<-copyDone
}

func containerConfig(inv Invocation) *container.Config {
	stopTimeout := inv.StopTimeoutSeconds()
	return &container.Config{
		Image:        inv.Image,
		Cmd:          inv.Command,
		WorkingDir:   ContainerWorkDir,
		Env:          inv.Env(),
		StopTimeout:  &stopTimeout,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
}

func hostConfig(inv Invocation) *container.HostConfig {
	return &container.HostConfig{
		AutoRemove:  true,
		Binds:       inv.Binds(),
		SecurityOpt: []string{"no-new-privileges"},
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

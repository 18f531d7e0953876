// Package runner 执行一次容器调用，运行期间把 stdout 逐行转发给推流
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"computeworker/internal/worker/executor"
	"computeworker/internal/worker/stream"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// stderr 在错误信息里最多保留的字节数
const stderrTail = 2048

// Engine 是容器运行时，DockerExecutor 实现了它
type Engine interface {
	Run(ctx context.Context, inv executor.Invocation, stdout, stderr io.Writer) (int, error)
}

// ExitError 容器以非零码退出
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("program exited with code %d", e.Code)
	}
	return fmt.Sprintf("program exited with code %d: %s", e.Code, e.Stderr)
}

// StreamError 无法建立输出流连接，此时容器还没有启动
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string { return "open output stream: " + e.Err.Error() }
func (e *StreamError) Unwrap() error { return e.Err }

type Runner struct {
	engine Engine
	opener stream.Opener
	buffer int
	logger *zap.Logger
}

// New buffer 是 stdout 生产者和 sink 消费者之间通道的容量
func New(engine Engine, opener stream.Opener, buffer int, logger *zap.Logger) *Runner {
	if buffer < 0 {
		buffer = 0
	}
	return &Runner{engine: engine, opener: opener, buffer: buffer, logger: logger.Named("runner")}
}

// Run 先连上 endpoint，再启动容器；stdout 每一行按产生顺序转发一次
func (r *Runner) Run(ctx context.Context, inv executor.Invocation, endpoint string) (int, error) {
	log := r.logger.With(zap.String("endpoint", endpoint))

	// 1. 连接失败时直接返回，不会留下孤儿容器
	log.Info("connecting output stream")
	sink, err := r.opener.Open(ctx, endpoint)
	if err != nil {
		return -1, &StreamError{Err: err}
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.Debug("close output stream", zap.Error(err))
		}
	}()

	log.Info("running program", zap.Strings("args", inv.Args()))

	pr, pw := io.Pipe()
	var stderr bytes.Buffer
	lines := make(chan string, r.buffer)
	exitCode := -1

	g, gctx := errgroup.WithContext(ctx)

	// 2. 生产者 A：容器运行，stdout 写进管道
	g.Go(func() error {
		code, err := r.engine.Run(gctx, inv, pw, &stderr)
		exitCode = code
		pw.CloseWithError(err)
		return err
	})

	// 3. 生产者 B：按行切分，送进通道
	g.Go(func() error {
		defer close(lines)
		defer pr.Close()
		reader := bufio.NewReader(pr)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				select {
				case lines <- line:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if err != nil {
				// 引擎的错误由它自己的 goroutine 返回
				return nil
			}
		}
	})

	// 4. 消费者：唯一的发送方，保证顺序
	forwarded, dropped := 0, 0
	var sendErr error
	for line := range lines {
		log.Debug("program output", zap.String("line", strings.TrimRight(line, "\r\n")))
		if sendErr != nil {
			dropped++
			continue
		}
		if sendErr = sink.Send(line); sendErr != nil {
			// 观察者断开不影响程序本身，继续读完 stdout
			log.Warn("output stream send failed, dropping remaining lines", zap.Error(sendErr))
			dropped++
			continue
		}
		forwarded++
	}

	err = g.Wait()
	log.Info("program finished",
		zap.Int("exit_code", exitCode),
		zap.Int("lines_forwarded", forwarded),
		zap.Int("lines_dropped", dropped))
	if stderr.Len() > 0 {
		log.Info("program stderr", zap.String("stderr", stderr.String()))
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return exitCode, ctxErr
		}
		return exitCode, err
	}
	if exitCode != 0 {
		return exitCode, &ExitError{Code: exitCode, Stderr: tail(stderr.String(), stderrTail)}
	}
	return exitCode, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

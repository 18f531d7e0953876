package run

import (
	"context"
	"errors"
)

// TimeLimitExceeded 超时取消时上报的固定信息
const TimeLimitExceeded = "Time limit exceeded"

// ErrorKind 顶层按类型决定上报的信息，而不是按错误的具体类型
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration" // bundle 内容、metadata、job 描述有问题
	KindTransport     ErrorKind = "transport"     // 下载、拉镜像、输出流、上传失败
	KindExecution     ErrorKind = "execution"     // 容器运行失败或非零退出
	KindCancellation  ErrorKind = "cancellation"  // 外部的墙钟限制触发
)

// Error 一次 Run 在边界上可以出现的失败
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind) + " error"
}

func (e *Error) Unwrap() error { return e.Err }

// Detail 上报给协调服务的 status_details
func (e *Error) Detail() string {
	if e.Kind == KindCancellation {
		return TimeLimitExceeded
	}
	return e.Error()
}

func newError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// classify 把任意错误归类；ctx 已结束时一律视为取消
func classify(ctx context.Context, err error) *Error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &Error{Kind: KindCancellation, Err: err}
	}
	var runErr *Error
	if errors.As(err, &runErr) {
		return runErr
	}
	return &Error{Kind: KindExecution, Err: err}
}

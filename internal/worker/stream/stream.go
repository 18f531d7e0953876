// Package stream 通过 websocket 把容器输出转发给协调服务的日志接口
package stream

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Sink 接收一行行输出，按调用顺序发送
type Sink interface {
	Send(line string) error
	Close() error
}

// Opener 为某个提交打开一个 Sink
type Opener interface {
	Open(ctx context.Context, endpoint string) (Sink, error)
}

// EndpointFor 从 api_url 推导出流式输出地址
// http 对应 ws，其他一律 wss；只保留 host，不带 api_url 的 path
func EndpointFor(apiURL, submissionID string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("api url %q has no host", apiURL)
	}
	scheme := "wss"
	if u.Scheme == "http" {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/submission_input/%s/", scheme, u.Host, url.PathEscape(submissionID)), nil
}

// Dialer 使用 websocket 连接实现 Opener
type Dialer struct {
	dialer       *websocket.Dialer
	writeTimeout time.Duration
}

func NewDialer(handshakeTimeout, writeTimeout time.Duration) *Dialer {
	return &Dialer{
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: handshakeTimeout,
		},
		writeTimeout: writeTimeout,
	}
}

func (d *Dialer) Open(ctx context.Context, endpoint string) (Sink, error) {
	conn, resp, err := d.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connect %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}
	return &wsSink{conn: conn, writeTimeout: d.writeTimeout}, nil
}

type wsSink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (s *wsSink) Send(line string) error {
	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

// Close 发送正常关闭帧后断开
func (s *wsSink) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}

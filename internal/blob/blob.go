// Package blob 负责下载程序包和上传结果
// 签名的 http(s) URL 走 HTTPStore，s3:// URL 走 MinioStore
package blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNoObjectStore 没有配置对象存储时遇到 s3:// URL
var ErrNoObjectStore = errors.New("no object store configured for s3 urls")

// Store 在 URL 和本地文件之间搬运数据
type Store interface {
	Download(ctx context.Context, rawURL, dstPath string) error
	Upload(ctx context.Context, rawURL, srcPath, contentType string) error
}

// Router 按 URL 的 scheme 选择 Store
type Router struct {
	HTTP   Store
	Object Store // 未配置 S3_ENDPOINT 时为 nil
}

func (r *Router) Download(ctx context.Context, rawURL, dstPath string) error {
	s, err := r.pick(rawURL)
	if err != nil {
		return err
	}
	return s.Download(ctx, rawURL, dstPath)
}

func (r *Router) Upload(ctx context.Context, rawURL, srcPath, contentType string) error {
	s, err := r.pick(rawURL)
	if err != nil {
		return err
	}
	return s.Upload(ctx, rawURL, srcPath, contentType)
}

func (r *Router) pick(rawURL string) (Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return r.HTTP, nil
	case "s3":
		if r.Object == nil {
			return nil, ErrNoObjectStore
		}
		return r.Object, nil
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
}

// splitObjectURL s3://bucket/some/key 拆成 bucket 和 key
func splitObjectURL(rawURL string) (string, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse url: %w", err)
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("object url %q must look like s3://bucket/key", rawURL)
	}
	return bucket, key, nil
}

// Package bundle 下载 zip 包并解压到 Run 工作目录
package bundle

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"

	"computeworker/internal/blob"

	"github.com/mholt/archiver/v3"
	"go.uber.org/zap"
)

// ErrFetch 下载阶段失败 (网络错误、非 2xx)
var ErrFetch = errors.New("bundle fetch failed")

type Fetcher struct {
	store  blob.Store
	logger *zap.Logger
}

func NewFetcher(store blob.Store, logger *zap.Logger) *Fetcher {
	return &Fetcher{store: store, logger: logger.Named("bundle")}
}

// Fetch 把 sourceURL 下载到临时文件，再解压到 destDir
// 解压失败不做清理，整个 workspace 会随 Run 一起丢弃
func (f *Fetcher) Fetch(ctx context.Context, sourceURL, destDir string) error {
	f.logger.Info("getting bundle", zap.String("url", sourceURL), zap.String("destination", destDir))

	tmp, err := os.CreateTemp("", "bundle-*.zip")
	if err != nil {
		return err
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	if err := f.store.Download(ctx, sourceURL, tmp.Name()); err != nil {
		return fmt.Errorf("%w: problem fetching %s: %v", ErrFetch, filepath.Base(destDir), err)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	if err := Unzip(tmp.Name(), destDir); err != nil {
		return fmt.Errorf("extract %s: %w", filepath.Base(destDir), err)
	}
	return ensureReadable(destDir)
}

// ensureReadable 没有记录权限的 zip 条目会被解压成 0000，这里补上属主读写权限
func ensureReadable(root string) error {
	return filepath.WalkDir(root, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&iofs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		want := info.Mode().Perm() | 0o600
		if d.IsDir() {
			want |= 0o100
		}
		if want == info.Mode().Perm() {
			return nil
		}
		return os.Chmod(path, want)
	})
}

// Unzip 解压 zip 到目录，已存在的文件会被覆盖
func Unzip(src, destDir string) error {
	z := archiver.NewZip()
	z.OverwriteExisting = true
	z.MkdirAll = true
	return z.Unarchive(src, destDir)
}

// ZipDir 把 dir 下的内容 (不含 dir 本身) 打包成 dst
func ZipDir(dir, dst string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sources := make([]string, 0, len(entries))
	for _, e := range entries {
		sources = append(sources, filepath.Join(dir, e.Name()))
	}

	z := archiver.NewZip()
	z.OverwriteExisting = true
	z.MkdirAll = true
	return z.Archive(sources, dst)
}

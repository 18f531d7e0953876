package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
)

// HTTPStore 访问协调服务下发的预签名 URL
type HTTPStore struct {
	client *http.Client
	// 上传时附带的额外 Header (比如 Azure 的 BlockBlob)
	uploadHeaders map[string]string
}

// AzureBlockBlobHeaders Azure 签名 URL 上 PUT 必须带的 Header
var AzureBlockBlobHeaders = map[string]string{
	"x-ms-blob-type": "BlockBlob",
	"x-ms-version":   "2018-03-28",
}

func NewHTTPStore(client *http.Client, uploadHeaders map[string]string) *HTTPStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPStore{client: client, uploadHeaders: uploadHeaders}
}

func (s *HTTPStore) Download(ctx context.Context, rawURL, dstPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	f, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("download body: %w", err)
	}
	return f.Close()
}

func (s *HTTPStore) Upload(ctx context.Context, rawURL, srcPath, contentType string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, rawURL, f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	req.Header.Set("Content-Type", contentType)
	for k, v := range s.uploadHeaders {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload returned status %d", resp.StatusCode)
	}
	return nil
}

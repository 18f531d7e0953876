// Package coordinator 向协调服务上报 Run 的状态和分数
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"computeworker/pkg/model"
)

// ErrInvalidStatus 上报了固定枚举之外的状态，属于调用方的编程错误
var ErrInvalidStatus = errors.New("status is not in available statuses")

// Client 针对单个提交的协调服务客户端，secret 用于认证
type Client struct {
	apiURL       string
	submissionID string
	secret       string
	httpClient   *http.Client
}

func New(apiURL, submissionID, secret string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		apiURL:       strings.TrimSuffix(apiURL, "/"),
		submissionID: submissionID,
		secret:       secret,
		httpClient:   httpClient,
	}
}

// UpdateStatus PATCH {api_url}/submissions/{id}/
// 每次调用完整覆盖服务端的 status 和 status_details
func (c *Client) UpdateStatus(ctx context.Context, status model.RunStatus, detail string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q (available: %v)", ErrInvalidStatus, status, model.AvailableStatuses)
	}

	form := url.Values{}
	form.Set("secret", c.secret)
	form.Set("status", status.String())
	if detail != "" {
		form.Set("status_details", detail)
	}

	endpoint := fmt.Sprintf("%s/submissions/%s/", c.apiURL, url.PathEscape(c.submissionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

type scoresRequest struct {
	Secret string         `json:"secret"`
	Scores model.ScoreSet `json:"scores"`
}

// SubmitScores POST {api_url}/upload_submission_scores/{id}/
func (c *Client) SubmitScores(ctx context.Context, scores model.ScoreSet) error {
	body, err := json.Marshal(scoresRequest{Secret: c.secret, Scores: scores})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/upload_submission_scores/%s/", c.apiURL, url.PathEscape(c.submissionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s returned status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Package jobclient はジョブAPIの小さなGoクライアントです。ステータスの
// ポーリング、キャンセル、WebSocket によるライブ進捗ストリーミングと
// ポーリングフォールバックを提供します。
package jobclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultTimeout      = 6500 * time.Millisecond
	defaultPollInterval = 2 * time.Second

	// maxPollFailures は Watch が諦めるまでに許容する連続ポーリング失敗回数です。
	maxPollFailures = 3
)

// Snapshot はサーバーから届くジョブステータス更新1件です。
type Snapshot struct {
	JobID         string    `json:"job_id"`
	Kind          string    `json:"kind"`
	Status        string    `json:"status"`
	Progress      *float64  `json:"progress,omitempty"`
	FinalReviewID string    `json:"final_review_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Terminal はジョブが終了したかどうかを返します。
func (s Snapshot) Terminal() bool {
	switch s.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// APIError はサーバーからの 2xx 以外のレスポンスです。
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Client はジョブAPIと通信します。Base はサーバーのスキームとホストです。
// 認証情報は Header（セッションクッキーとCSRFトークン）で渡します。
type Client struct {
	Base         string
	Client       *http.Client
	Dialer       *websocket.Dialer
	Header       http.Header
	PollInterval time.Duration
}

// NewClient はデフォルトのタイムアウトとポーリング間隔で Client を返します。
func NewClient(base string) *Client {
	return &Client{
		Base:         strings.TrimRight(base, "/"),
		Client:       &http.Client{Timeout: defaultTimeout},
		Dialer:       websocket.DefaultDialer,
		Header:       http.Header{},
		PollInterval: defaultPollInterval,
	}
}

// Get はジョブの現在のステータスを取得します。
func (c *Client) Get(ctx context.Context, jobID string) (*Snapshot, error) {
	var snap Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Cancel はジョブのキャンセルを要求します。サーバーは要求を受理し、
// ジョブは次のチェックポイントで cancelled になります。
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil)
}

// Watch はジョブが終端状態になるか ctx がキャンセルされるまでステータス
// 更新を流します。WebSocket 接続を優先し、確立できないか途中で切れた場合は
// ポーリングにフォールバックします。ジョブが終端に達すると返された
// チャネルは閉じられます。
func (c *Client) Watch(ctx context.Context, jobID string) (<-chan Snapshot, error) {
	// 存在しないジョブには死んだチャネルを返さず、すぐ失敗させる。
	first, err := c.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	updates := make(chan Snapshot, 16)
	go func() {
		defer close(updates)

		if !emit(ctx, updates, *first) || first.Terminal() {
			return
		}
		if c.streamSocket(ctx, jobID, updates) {
			return
		}
		c.poll(ctx, jobID, updates)
	}()
	return updates, nil
}

// streamSocket は WebSocket エンドポイントからスナップショットを読みます。
// 監視が完了した場合（終端スナップショットか ctx キャンセル）は true、
// 呼び出し側がポーリングへフォールバックすべき場合は false を返します。
func (c *Client) streamSocket(ctx context.Context, jobID string, updates chan<- Snapshot) bool {
	conn, resp, err := c.Dialer.DialContext(ctx, c.socketURL(jobID), c.Header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return false
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var snap Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			if ctx.Err() != nil {
				return true
			}
			// 終端スナップショットなしの正常クローズは起きないはずだが、
			// いずれにせよポーリングで監視を完了できる。
			return false
		}
		if !emit(ctx, updates, snap) {
			return true
		}
		if snap.Terminal() {
			return true
		}
	}
}

// poll は終端に達するまで一定間隔でジョブステータスを取得します。
func (c *Client) poll(ctx context.Context, jobID string, updates chan<- Snapshot) {
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	var last Snapshot
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, err := c.Get(ctx, jobID)
		if err != nil {
			failures++
			if failures >= maxPollFailures {
				return
			}
			continue
		}
		failures = 0
		if snap.UpdatedAt.After(last.UpdatedAt) || snap.Status != last.Status {
			if !emit(ctx, updates, *snap) {
				return
			}
			last = *snap
		}
		if snap.Terminal() {
			return
		}
	}
}

func emit(ctx context.Context, updates chan<- Snapshot, snap Snapshot) bool {
	select {
	case updates <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) socketURL(jobID string) string {
	base := c.Base
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/ws/jobs/" + url.PathEscape(jobID)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, v any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return err
	}
	for key, values := range c.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if method == http.MethodPost || method == http.MethodPut {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	res, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: res.StatusCode}
		if err := json.Unmarshal(resBody, apiErr); err != nil || apiErr.Code == "" {
			return fmt.Errorf("request failed with status %d: %s", res.StatusCode, bytes.TrimSpace(resBody))
		}
		return apiErr
	}
	if v == nil {
		return nil
	}
	return json.Unmarshal(resBody, v)
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
)

const (
	taskTypeReview = "review:process"
	taskTypeIndex  = "index:update"

	queueName = "categorizer"
)

// ReviewTask はレビュー分類ジョブのペイロードです。
type ReviewTask struct {
	JobID          string `json:"job_id"`
	OwnerID        string `json:"owner_id"`
	IndustryID     string `json:"industry_id"`
	NewCleanedID   string `json:"new_cleaned_id"`
	UsePastReviews bool   `json:"use_past_reviews"`
}

// IndexTask は業界インデックス再構築ジョブのペイロードです。
type IndexTask struct {
	JobID      string `json:"job_id"`
	OwnerID    string `json:"owner_id"`
	IndustryID string `json:"industry_id"`
}

// ProgressFunc はワーカーの進捗を [0,100] で報告します。
type ProgressFunc func(progress float64)

// ReviewRunner はレビュー分類パイプラインを実行します。キャンセル
// シグナルを検知したら処理を止めて ErrCancelled を返す必要があります。
type ReviewRunner interface {
	RunReviewJob(ctx context.Context, task ReviewTask, report ProgressFunc, cancelled func() bool) (finalReviewID string, err error)
}

// IndexRunner は過去レビューのインデックスを再構築します。
type IndexRunner interface {
	RunIndexJob(ctx context.Context, task IndexTask, report ProgressFunc, cancelled func() bool) (indexID string, err error)
}

// WorkerError はジョブの所有者にそのまま見せられる失敗メッセージを
// 運びます。それ以外のワーカーエラーは汎用メッセージに隠されます。
type WorkerError struct {
	Message string
}

func (e *WorkerError) Error() string { return e.Message }

// Manager はジョブをバックグラウンドで実行する asynq クライアントと
// サーバーを所有します。各タスクハンドラーはジョブをちょうど1つの終端
// 状態へ導き、processing のまま放置されることはありません。
type Manager struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	lifecycle *Lifecycle
	reviews   ReviewRunner
	indexes   IndexRunner
	logger    *log.Logger
}

// NewManager はキューマネージャーを初期化します。
func NewManager(redisURL string, lifecycle *Lifecycle, reviews ReviewRunner, indexes IndexRunner, logger *log.Logger) (*Manager, error) {
	if lifecycle == nil {
		return nil, errors.New("lifecycle is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client:    client,
		server:    server,
		mux:       mux,
		lifecycle: lifecycle,
		reviews:   reviews,
		indexes:   indexes,
		logger:    logger,
	}
	mux.HandleFunc(taskTypeReview, manager.handleReviewTask)
	mux.HandleFunc(taskTypeIndex, manager.handleIndexTask)
	return manager, nil
}

// StartWorkers は asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			m.logger.Printf("asynq server stopped with error: %v", err)
		}
	}()
}

// Shutdown はサーバーを停止してクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	return m.client.Close()
}

// EnqueueReview はレビュー分類タスクを投入します。pending のレコードが
// Lifecycle.Create で作成済みであることが前提です。
func (m *Manager) EnqueueReview(ctx context.Context, task ReviewTask) error {
	return m.enqueue(ctx, taskTypeReview, task.JobID, task)
}

// EnqueueIndex はインデックス再構築タスクを投入します。
func (m *Manager) EnqueueIndex(ctx context.Context, task IndexTask) error {
	return m.enqueue(ctx, taskTypeIndex, task.JobID, task)
}

func (m *Manager) enqueue(ctx context.Context, taskType, jobID string, payload any) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	// キュー側でリトライするとライフサイクルの状態機械と衝突する。
	// 失敗した実行は既にジョブを終端状態に移しているため。
	task := asynq.NewTask(taskType, body, asynq.Queue(queueName), asynq.MaxRetry(0))
	_, err = m.client.EnqueueContext(ctx, task)
	return err
}

func (m *Manager) handleReviewTask(ctx context.Context, task *asynq.Task) error {
	var payload ReviewTask
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	m.runJob(ctx, payload.JobID, func(report ProgressFunc, cancelled func() bool) (string, error) {
		return m.reviews.RunReviewJob(ctx, payload, report, cancelled)
	})
	return nil
}

func (m *Manager) handleIndexTask(ctx context.Context, task *asynq.Task) error {
	var payload IndexTask
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	m.runJob(ctx, payload.JobID, func(report ProgressFunc, cancelled func() bool) (string, error) {
		return m.indexes.RunIndexJob(ctx, payload, report, cancelled)
	})
	return nil
}

// runJob はキューとライフサイクルの境界です。ジョブを開始し、ワーカーの
// 結果（パニックを含む）をちょうど1回の終端遷移に変換します。
func (m *Manager) runJob(ctx context.Context, jobID string, run func(ProgressFunc, func() bool) (string, error)) {
	if err := m.lifecycle.Start(ctx, jobID); err != nil {
		// 典型的にはキュー待ちの間にキャンセルされたケース。
		m.logger.Printf("job %s not started: %v", jobID, err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Printf("job %s panicked: %v", jobID, r)
			if err := m.lifecycle.Fail(ctx, jobID, "処理中に予期しないエラーが発生しました。"); err != nil {
				m.logger.Printf("failed to mark job %s failed: %v", jobID, err)
			}
		}
	}()

	report := func(progress float64) {
		if err := m.lifecycle.ReportProgress(ctx, jobID, progress); err != nil {
			m.logger.Printf("failed to update progress job=%s: %v", jobID, err)
		}
	}
	cancelled := func() bool {
		return m.lifecycle.CancelRequested(jobID)
	}

	resultRef, err := run(report, cancelled)
	switch {
	case errors.Is(err, ErrCancelled):
		if err := m.lifecycle.AcknowledgeCancel(ctx, jobID); err != nil {
			m.logger.Printf("failed to acknowledge cancel job=%s: %v", jobID, err)
		}
	case err != nil:
		m.logger.Printf("job %s failed: %v", jobID, err)
		if err := m.lifecycle.Fail(ctx, jobID, sanitizeError(err)); err != nil {
			m.logger.Printf("failed to mark job %s failed: %v", jobID, err)
		}
	default:
		if err := m.lifecycle.Complete(ctx, jobID, resultRef); err != nil {
			m.logger.Printf("failed to complete job %s: %v", jobID, err)
		}
	}
}

func sanitizeError(err error) string {
	var workerErr *WorkerError
	if errors.As(err, &workerErr) {
		return workerErr.Message
	}
	return "処理中に予期しないエラーが発生しました。"
}

// Package jobs は非同期ジョブの追跡を提供します。Redis ベースのレコード
// ストア、ライフサイクル状態機械、協調キャンセル、そして処理を実行する
// バックグラウンドキューから成ります。
package jobs

import "time"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal はこれ以上の遷移が不可能かどうかを返します。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Kind はジョブが行う処理の種別です。
type Kind string

const (
	KindReviewProcessing Kind = "review_processing"
	KindIndexUpdate      Kind = "index_update"
)

// Record はジョブの永続化された状態です。変更するのは Lifecycle だけで、
// 終端状態に達した後は一切変化しません。
type Record struct {
	JobID     string    `json:"job_id"`
	Kind      Kind      `json:"kind"`
	OwnerID   string    `json:"owner_id"`
	Scope     string    `json:"scope"`
	Status    Status    `json:"status"`
	Progress  *float64  `json:"progress,omitempty"`
	ResultRef string    `json:"result_ref,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot は購読者への配信とポーリングAPIで使うワイヤ形式です。
// final_review_id は completed のときだけ、error は failed のときだけ
// 含まれます。
type Snapshot struct {
	JobID         string    `json:"job_id"`
	Kind          Kind      `json:"kind"`
	Status        Status    `json:"status"`
	Progress      *float64  `json:"progress,omitempty"`
	FinalReviewID string    `json:"final_review_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Snapshot はレコードをワイヤ形式に変換します。
func (r *Record) Snapshot() Snapshot {
	snap := Snapshot{
		JobID:     r.JobID,
		Kind:      r.Kind,
		Status:    r.Status,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Progress != nil {
		p := *r.Progress
		snap.Progress = &p
	}
	if r.Status == StatusCompleted {
		snap.FinalReviewID = r.ResultRef
	}
	if r.Status == StatusFailed {
		snap.Error = r.Error
	}
	return snap
}

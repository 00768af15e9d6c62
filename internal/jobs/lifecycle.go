package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

// Publisher は遷移が成功するたびにスナップショットを受け取ります。
// 配信はベストエフォートで、ライフサイクルがここでブロックすることは
// ありません。
type Publisher interface {
	Publish(jobID string, snap Snapshot)
}

// errNoChange はストア更新を書き込みも配信もせずに打ち切ります。
var errNoChange = errors.New("no change")

// Lifecycle はジョブを状態機械に沿って遷移させます。
//
//	pending --Start--> processing --Complete--> completed
//	pending --RequestCancel--> cancelled
//	pending/processing --Fail--> failed
//	processing --RequestCancel + AcknowledgeCancel--> cancelled
//
// 終端状態は不変です。同一ジョブの遷移はジョブごとのミューテックスで
// 直列化され、ジョブ同士が競合することはありません。
type Lifecycle struct {
	store     *Store
	publisher Publisher
	cancels   *cancelRegistry
	logger    *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLifecycle は Lifecycle を作成します。publisher は nil でも構いません。
func NewLifecycle(store *Store, publisher Publisher, logger *log.Logger) *Lifecycle {
	if logger == nil {
		logger = log.Default()
	}
	return &Lifecycle{
		store:     store,
		publisher: publisher,
		cancels:   newCancelRegistry(),
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Create は pending の新規ジョブを挿入してレコードを返します。同じ
// (owner, kind, scope) のジョブが pending または processing の間は
// ErrConflict で失敗します。
func (l *Lifecycle) Create(ctx context.Context, kind Kind, ownerID, scope string) (*Record, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("ownerID is required")
	}
	record := &Record{
		JobID:   uuid.NewString(),
		Kind:    kind,
		OwnerID: ownerID,
		Scope:   scope,
	}
	if err := l.store.Create(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Start は pending -> processing に遷移させます。
func (l *Lifecycle) Start(ctx context.Context, jobID string) error {
	return l.transition(ctx, jobID, func(r *Record) error {
		if r.Status != StatusPending {
			return ErrInvalidState
		}
		r.Status = StatusProcessing
		return nil
	})
}

// ReportProgress は processing 中の進捗を更新します。進捗は [0,100] に
// 丸められ、決して減少しません。現在値以下の報告は黙って捨てられます。
func (l *Lifecycle) ReportProgress(ctx context.Context, jobID string, progress float64) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return l.transition(ctx, jobID, func(r *Record) error {
		if r.Status != StatusProcessing {
			return ErrInvalidState
		}
		if r.Progress != nil && progress <= *r.Progress {
			return errNoChange
		}
		r.Progress = &progress
		return nil
	})
}

// Complete は processing -> completed に遷移させ、成果物の参照
// （レビュージョブなら最終レビューID）を記録します。
func (l *Lifecycle) Complete(ctx context.Context, jobID, resultRef string) error {
	return l.transition(ctx, jobID, func(r *Record) error {
		if r.Status != StatusProcessing {
			return ErrInvalidState
		}
		r.Status = StatusCompleted
		r.ResultRef = resultRef
		full := 100.0
		r.Progress = &full
		return nil
	})
}

// Fail は pending または processing -> failed に遷移させます。pending を
// 許すのはワーカー起動前のセットアップ失敗に対応するためです。
func (l *Lifecycle) Fail(ctx context.Context, jobID, message string) error {
	return l.transition(ctx, jobID, func(r *Record) error {
		if r.Status != StatusPending && r.Status != StatusProcessing {
			return ErrInvalidState
		}
		r.Status = StatusFailed
		r.Error = message
		return nil
	})
}

// RequestCancel はキャンセルを要求します。pending のジョブはその場で
// cancelled になります。processing のジョブはシグナルが立つだけで、
// ワーカーが検知して AcknowledgeCancel を呼ぶまで processing のままです。
// 実行中ジョブのキャンセルは協調的であり、強制中断はしません。
func (l *Lifecycle) RequestCancel(ctx context.Context, jobID string) error {
	lock := l.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	record, err := l.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	switch record.Status {
	case StatusPending:
		updated, err := l.store.update(ctx, jobID, func(r *Record) error {
			if r.Status != StatusPending {
				return ErrInvalidState
			}
			r.Status = StatusCancelled
			return nil
		})
		if err != nil {
			return l.noteInvalid(jobID, err)
		}
		l.finishTransition(updated)
		return nil
	case StatusProcessing:
		l.cancels.request(jobID)
		return nil
	default:
		return l.noteInvalid(jobID, ErrInvalidState)
	}
}

// AcknowledgeCancel は処理中にキャンセル要求を検知したワーカーが呼びます。
// processing -> cancelled に遷移させます。
func (l *Lifecycle) AcknowledgeCancel(ctx context.Context, jobID string) error {
	return l.transition(ctx, jobID, func(r *Record) error {
		if r.Status != StatusProcessing {
			return ErrInvalidState
		}
		r.Status = StatusCancelled
		return nil
	})
}

// CancelRequested は jobID にキャンセル要求があるかどうかを返します。
// ワーカーが自身のチェックポイントで確認します。
func (l *Lifecycle) CancelRequested(jobID string) bool {
	return l.cancels.requested(jobID)
}

// CancelChan はキャンセル要求時にクローズされるチャネルを返します。
func (l *Lifecycle) CancelChan(jobID string) <-chan struct{} {
	return l.cancels.channel(jobID)
}

// GetOwned はレコードを取得します。存在しないか別の所有者のジョブには
// ErrNotFound を返します。
func (l *Lifecycle) GetOwned(ctx context.Context, jobID, ownerID string) (*Record, error) {
	record, err := l.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return record, nil
}

// ListOwned は ownerID の全ジョブを返します。kind と status で絞り込めます。
func (l *Lifecycle) ListOwned(ctx context.Context, ownerID string, kind Kind, status Status) ([]*Record, error) {
	records, err := l.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	filtered := records[:0]
	for _, r := range records {
		if kind != "" && r.Kind != kind {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered, nil
}

func (l *Lifecycle) transition(ctx context.Context, jobID string, mutate func(*Record) error) error {
	lock := l.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	updated, err := l.store.update(ctx, jobID, mutate)
	if err != nil {
		if err == errNoChange {
			return nil
		}
		return l.noteInvalid(jobID, err)
	}
	l.finishTransition(updated)
	return nil
}

// finishTransition は新しいスナップショットを配信し、終端状態なら
// キャンセルシグナルとジョブ用ロックを破棄します。ジョブのロックを
// 持ったまま呼ばれることがスナップショットの順序を保証します。
func (l *Lifecycle) finishTransition(record *Record) {
	if l.publisher != nil {
		l.publisher.Publish(record.JobID, record.Snapshot())
	}
	if record.Status.IsTerminal() {
		l.cancels.clear(record.JobID)
		l.mu.Lock()
		delete(l.locks, record.JobID)
		l.mu.Unlock()
	}
}

func (l *Lifecycle) noteInvalid(jobID string, err error) error {
	if err == ErrInvalidState {
		l.logger.Printf("jobs: rejected transition for job %s: %v", jobID, err)
	}
	return err
}

func (l *Lifecycle) lockFor(jobID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[jobID] = lock
	}
	return lock
}

package jobs

import "sync"

// cancelRegistry はジョブごとの協調キャンセルシグナルを保持します。
// シグナルはワーカーに停止を求めるだけで、実行を中断することはありません。
// ワーカーは自身のチェックポイントで CancelRequested を確認し、
// Lifecycle.AcknowledgeCancel で応答します。
type cancelRegistry struct {
	mu      sync.Mutex
	signals map[string]chan struct{}
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{signals: make(map[string]chan struct{})}
}

// request は jobID をキャンセル要求済みにします。冪等です。
func (r *cancelRegistry) request(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.signals[jobID]
	if !ok {
		ch = make(chan struct{})
		r.signals[jobID] = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// requested は jobID にキャンセル要求があるかどうかを返します。
func (r *cancelRegistry) requested(jobID string) bool {
	r.mu.Lock()
	ch, ok := r.signals[jobID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// channel はキャンセル要求時にクローズされるチャネルを返します。
// 他の処理と並べて select で使えます。
func (r *cancelRegistry) channel(jobID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.signals[jobID]
	if !ok {
		ch = make(chan struct{})
		r.signals[jobID] = ch
	}
	return ch
}

// clear は jobID のシグナルを破棄します。ジョブが終端状態に達したときに
// 呼ばれます。
func (r *cancelRegistry) clear(jobID string) {
	r.mu.Lock()
	delete(r.signals, jobID)
	r.mu.Unlock()
}

// Package hub はジョブ状態のスナップショットを購読者へ配信します。
// プロセス内のレジストリであり、永続化もプロセス間連携も行いません。
package hub

import (
	"context"
	"log"
	"sync"

	"github.com/tkoeda/comment-categorizer/internal/jobs"
)

// subscriberBuffer は購読者が遅延できる上限です。送信はブロックしないため、
// 詰まった接続が他の購読者への配信を妨げることはありません。
const subscriberBuffer = 16

// RecordSource は購読時のジョブ照会に使う読み取り口です。
// *jobs.Store がこれを満たします。
type RecordSource interface {
	Get(ctx context.Context, jobID string) (*jobs.Record, error)
}

// Hub はジョブIDと購読者集合の対応を保持します。レジストリのマップと
// 各ジョブの購読者集合は別々のロックで守られ、ジョブ同士は競合しません。
type Hub struct {
	store  RecordSource
	logger *log.Logger

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Subscription は単一ジョブの購読です。スナップショットは遷移順に
// Updates へ届き、終端スナップショットの後・Close 後・バッファ溢れで
// チャネルはクローズされます。
type Subscription struct {
	jobID string
	hub   *Hub
	ch    chan jobs.Snapshot
	once  sync.Once
}

// Updates はスナップショットのストリームを返します。
func (s *Subscription) Updates() <-chan jobs.Snapshot { return s.ch }

// Close は購読を解除します。何度呼んでも安全です。
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// New は Hub を作成します。初期スナップショットは store から読みます。
func New(store RecordSource, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		store:  store,
		logger: logger,
		topics: make(map[string]*topic),
	}
}

// Subscribe は jobID の購読を登録します。購読は直ちに現在のスナップショットを
// 受け取り、以降の遷移をすべて受け取ります。ジョブが存在しない、または
// ownerID の所有でない場合は jobs.ErrNotFound を返します。既に終端状態の
// ジョブを購読すると、終端スナップショット1件とクローズ済みストリームに
// なります。
func (h *Hub) Subscribe(ctx context.Context, jobID, ownerID string) (*Subscription, error) {
	record, err := h.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record.OwnerID != ownerID {
		return nil, jobs.ErrNotFound
	}

	sub := &Subscription{
		jobID: jobID,
		hub:   h,
		ch:    make(chan jobs.Snapshot, subscriberBuffer),
	}

	if record.Status.IsTerminal() {
		sub.ch <- record.Snapshot()
		sub.once.Do(func() { close(sub.ch) })
		return sub, nil
	}

	t := h.topicFor(jobID)
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	// 初期スナップショットは集合ロックを持ったまま積む。並行する Publish が
	// 先に割り込むことはない。
	sub.ch <- record.Snapshot()
	t.mu.Unlock()

	// 最初の読み取りと登録の間に終端遷移が確定していると、その Publish は
	// この購読者を見ていない。登録後に再確認して取りこぼしを埋める。
	latest, err := h.store.Get(ctx, jobID)
	if err == nil && latest.Status.IsTerminal() {
		t.mu.Lock()
		if _, ok := t.subs[sub]; ok {
			delete(t.subs, sub)
			sub.ch <- latest.Snapshot()
			sub.once.Do(func() { close(sub.ch) })
		}
		t.mu.Unlock()
		h.dropTopicIfEmpty(jobID, t)
	}
	return sub, nil
}

// Publish は snap を jobID の全購読者へ呼び出し順で配信します。配信は
// ベストエフォートで、バッファが満杯の購読者は切り離され、他の購読者には
// 影響しません。終端スナップショットは配信後にそのジョブの全購読を
// クローズします。
func (h *Hub) Publish(jobID string, snap jobs.Snapshot) {
	h.mu.Lock()
	t := h.topics[jobID]
	h.mu.Unlock()
	if t == nil {
		return
	}

	t.mu.Lock()
	for sub := range t.subs {
		select {
		case sub.ch <- snap:
		default:
			h.logger.Printf("hub: dropping slow subscriber for job %s", jobID)
			delete(t.subs, sub)
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	if snap.Status.IsTerminal() {
		for sub := range t.subs {
			delete(t.subs, sub)
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty {
		h.dropTopicIfEmpty(jobID, t)
	}
}

func (h *Hub) topicFor(jobID string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[jobID] = t
	}
	return t
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	t := h.topics[sub.jobID]
	h.mu.Unlock()

	if t != nil {
		t.mu.Lock()
		delete(t.subs, sub)
		empty := len(t.subs) == 0
		t.mu.Unlock()
		if empty {
			h.dropTopicIfEmpty(sub.jobID, t)
		}
	}
	sub.once.Do(func() { close(sub.ch) })
}

func (h *Hub) dropTopicIfEmpty(jobID string, t *topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	current, ok := h.topics[jobID]
	if !ok || current != t {
		return
	}
	t.mu.Lock()
	empty := len(t.subs) == 0
	t.mu.Unlock()
	if empty {
		delete(h.topics, jobID)
	}
}

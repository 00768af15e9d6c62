package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix    = "job:"
	activeKeyPrefix = "job:active:"
	ownerKeyPrefix  = "job:owner:"
)

// Store はジョブレコードを Redis に保存します。レコードはここでは削除
// しません。古いジョブの掃除はこのパッケージの外の運用の責務です。
type Store struct {
	rdb *redis.Client
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Create は pending 状態の新規レコードを挿入します。先に (owner, kind,
// scope) のアクティブマーカーを確保し、別の実行中ジョブが保持している
// 場合は ErrConflict を返します。
func (s *Store) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.JobID == "" {
		return fmt.Errorf("record.JobID is required")
	}

	now := time.Now().UTC()
	record.Status = StatusPending
	record.CreatedAt = now
	record.UpdatedAt = now

	ok, err := s.rdb.SetNX(ctx, activeKey(record), record.JobID, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		if err := s.reclaimStaleActive(ctx, record); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(record.JobID), payload, 0)
	pipe.SAdd(ctx, ownerKey(record.OwnerID), record.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		// 書きかけのジョブで枠を塞がないようマーカーを解放する。
		s.rdb.Del(ctx, activeKey(record))
		return err
	}
	return nil
}

// reclaimStaleActive は、レコードが存在しないか既に終端状態のジョブを指す
// アクティブマーカーを引き継ぎます。マーカー確保とレコード書き込みの間で
// プロセスが落ちると、枠が永久に塞がったままになるためです。
func (s *Store) reclaimStaleActive(ctx context.Context, record *Record) error {
	holder, err := s.rdb.Get(ctx, activeKey(record)).Result()
	if err == redis.Nil {
		// マーカーは直前に解放された。改めて確保する。
		ok, err := s.rdb.SetNX(ctx, activeKey(record), record.JobID, 0).Result()
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		return nil
	}
	if err != nil {
		return err
	}

	current, err := s.Get(ctx, holder)
	if err != nil && err != ErrNotFound {
		return err
	}
	if current != nil && !current.Status.IsTerminal() {
		return ErrConflict
	}
	return s.rdb.Set(ctx, activeKey(record), record.JobID, 0).Err()
}

// Get はジョブレコードを取得します。未知のIDには ErrNotFound を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, ErrNotFound
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListByOwner は ownerID の全ジョブを新しい順に返します。
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*Record, error) {
	ids, err := s.rdb.SMembers(ctx, ownerKey(ownerID)).Result()
	if err != nil {
		return nil, err
	}
	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		record, err := s.Get(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// update は WATCH トランザクション内で mutate を適用し、競合時はリトライ
// します。mutate がエラーを返した場合は何も書き込みません。終端状態に
// 遷移した場合は同じトランザクションでアクティブマーカーを解放します。
func (s *Store) update(ctx context.Context, jobID string, mutate func(*Record) error) (*Record, error) {
	key := jobKey(jobID)
	var updated *Record

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return ErrNotFound
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		if err := mutate(&record); err != nil {
			return err
		}
		record.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if record.Status.IsTerminal() {
				pipe.Del(ctx, activeKey(&record))
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = &record
		return nil
	}

	for {
		err := s.rdb.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func activeKey(r *Record) string {
	return fmt.Sprintf("%s%s:%s:%s", activeKeyPrefix, r.OwnerID, r.Kind, r.Scope)
}

func ownerKey(id string) string {
	return ownerKeyPrefix + id
}

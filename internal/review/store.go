package review

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	reviewKeyPrefix = "review:"
	ownerKeyPrefix  = "reviews:owner:"
)

// ErrNotFound は存在しない、または他ユーザーのレビューIDに対して返されます。
var ErrNotFound = errors.New("review not found")

// Store はレビューのメタデータを Redis に保存します。ワークブック本体は
// ストレージ層に置かれます。
type Store struct {
	rdb *redis.Client
}

// NewStore は Store を初期化します。
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Create はレビューのレコードを登録し、ID と CreatedAt を割り当てます。
func (s *Store) Create(ctx context.Context, review *Review) error {
	review.ID = uuid.NewString()
	review.CreatedAt = time.Now().UTC()

	payload, err := json.Marshal(review)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, reviewKeyPrefix+review.ID, payload, 0)
	pipe.SAdd(ctx, ownerKeyPrefix+review.OwnerID, review.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// Get はレビューを取得します。所有者チェックも行います。
func (s *Store) Get(ctx context.Context, id, ownerID string) (*Review, error) {
	data, err := s.rdb.Get(ctx, reviewKeyPrefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var review Review
	if err := json.Unmarshal(data, &review); err != nil {
		return nil, err
	}
	if review.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return &review, nil
}

// List は所有者のレビューを新しい順に返します。各フィルターは任意です。
func (s *Store) List(ctx context.Context, ownerID, industryID string, typ Type, stage Stage) ([]*Review, error) {
	ids, err := s.rdb.SMembers(ctx, ownerKeyPrefix+ownerID).Result()
	if err != nil {
		return nil, err
	}
	reviews := make([]*Review, 0, len(ids))
	for _, id := range ids {
		review, err := s.Get(ctx, id, ownerID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if industryID != "" && review.IndustryID != industryID {
			continue
		}
		if typ != "" && review.Type != typ {
			continue
		}
		if stage != "" && review.Stage != stage {
			continue
		}
		reviews = append(reviews, review)
	}
	sort.Slice(reviews, func(i, j int) bool {
		return reviews[i].CreatedAt.After(reviews[j].CreatedAt)
	})
	return reviews, nil
}

// Delete はレビューのレコードを1件削除します。
func (s *Store) Delete(ctx context.Context, id, ownerID string) error {
	if _, err := s.Get(ctx, id, ownerID); err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, reviewKeyPrefix+id)
	pipe.SRem(ctx, ownerKeyPrefix+ownerID, id)
	_, err := pipe.Exec(ctx)
	return err
}

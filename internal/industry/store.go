// Package industry はユーザーごとの業界（レビューの分類先となる名前付き
// カテゴリ集合）を管理します。
package industry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	industryKeyPrefix = "industry:"
	ownerKeyPrefix    = "industries:owner:"
	nameKeyPrefix     = "industry:name:"
)

// ErrExists は所有者が同名の業界をすでに持っている場合に返されます。
var ErrExists = errors.New("industry already exists")

// ErrNotFound は存在しない、または他ユーザーの業界IDに対して返されます。
var ErrNotFound = errors.New("industry not found")

// Industry は1ユーザーが所有するカテゴリ体系です。
type Industry struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Name       string    `json:"name"`
	Categories []string  `json:"categories"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store は業界を Redis に保存します。
type Store struct {
	rdb *redis.Client
}

// NewStore は Store を初期化します。
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Create は業界を新規登録します。(所有者, 名前) の組はアトミックに確保され、
// 重複は ErrExists で失敗します。
func (s *Store) Create(ctx context.Context, ownerID, name string, categories []string) (*Industry, error) {
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	ind := &Industry{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Name:       name,
		Categories: categories,
		CreatedAt:  time.Now().UTC(),
	}

	ok, err := s.rdb.SetNX(ctx, nameKey(ownerID, name), ind.ID, 0).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrExists
	}

	payload, err := json.Marshal(ind)
	if err != nil {
		return nil, err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, industryKeyPrefix+ind.ID, payload, 0)
	pipe.SAdd(ctx, ownerKeyPrefix+ownerID, ind.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		s.rdb.Del(ctx, nameKey(ownerID, name))
		return nil, err
	}
	return ind, nil
}

// Get は業界を取得します。所有者チェックも行います。
func (s *Store) Get(ctx context.Context, id, ownerID string) (*Industry, error) {
	data, err := s.rdb.Get(ctx, industryKeyPrefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var ind Industry
	if err := json.Unmarshal(data, &ind); err != nil {
		return nil, err
	}
	if ind.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return &ind, nil
}

// List は ownerID の全業界を名前順で返します。
func (s *Store) List(ctx context.Context, ownerID string) ([]*Industry, error) {
	ids, err := s.rdb.SMembers(ctx, ownerKeyPrefix+ownerID).Result()
	if err != nil {
		return nil, err
	}
	industries := make([]*Industry, 0, len(ids))
	for _, id := range ids {
		ind, err := s.Get(ctx, id, ownerID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		industries = append(industries, ind)
	}
	sort.Slice(industries, func(i, j int) bool {
		return industries[i].Name < industries[j].Name
	})
	return industries, nil
}

// Delete は業界と関連する検索キーを削除します。レビューとインデックスへの
// 連鎖削除は呼び出し側の責任です。
func (s *Store) Delete(ctx context.Context, id, ownerID string) error {
	ind, err := s.Get(ctx, id, ownerID)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, industryKeyPrefix+ind.ID)
	pipe.Del(ctx, nameKey(ownerID, ind.Name))
	pipe.SRem(ctx, ownerKeyPrefix+ownerID, ind.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func nameKey(ownerID, name string) string {
	return nameKeyPrefix + ownerID + ":" + name
}

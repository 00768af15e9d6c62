package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	userNameKeyPrefix = "user:name:"
	userIDKeyPrefix   = "user:id:"
)

// ErrUserExists は既に使われているユーザー名で登録した場合に返されます。
var ErrUserExists = errors.New("username already taken")

// ErrUserNotFound は未知のユーザー名またはユーザーIDに返されます。
var ErrUserNotFound = errors.New("user not found")

// User はアカウントレコードです。OpenAIAPIKey はこのユーザーのジョブが
// 分類に使うキーで、アカウント設定から登録されます。
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	OpenAIAPIKey string    `json:"openai_api_key,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store はユーザーアカウントを Redis に保存します。
type Store struct {
	rdb *redis.Client
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Create は新規ユーザーを登録します。ユーザー名はアトミックに確保されます。
func (s *Store) Create(ctx context.Context, username, passwordHash string) (*User, error) {
	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	payload, err := json.Marshal(user)
	if err != nil {
		return nil, err
	}

	ok, err := s.rdb.SetNX(ctx, userNameKeyPrefix+username, payload, 0).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUserExists
	}
	if err := s.rdb.Set(ctx, userIDKeyPrefix+user.ID, username, 0).Err(); err != nil {
		return nil, err
	}
	return user, nil
}

// GetByUsername はユーザー名でユーザーを取得します。
func (s *Store) GetByUsername(ctx context.Context, username string) (*User, error) {
	data, err := s.rdb.Get(ctx, userNameKeyPrefix+username).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	var user User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByID はIDでユーザーを取得します。
func (s *Store) GetByID(ctx context.Context, id string) (*User, error) {
	username, err := s.rdb.Get(ctx, userIDKeyPrefix+id).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return s.GetByUsername(ctx, username)
}

// OpenAIAPIKey は保存済みの OpenAI APIキーを返します。未設定なら空文字です。
func (s *Store) OpenAIAPIKey(ctx context.Context, userID string) (string, error) {
	user, err := s.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.OpenAIAPIKey, nil
}

// SetAPIKey はユーザーの OpenAI APIキーを更新します。
func (s *Store) SetAPIKey(ctx context.Context, userID, apiKey string) error {
	user, err := s.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	user.OpenAIAPIKey = apiKey
	payload, err := json.Marshal(user)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, userNameKeyPrefix+user.Username, payload, 0).Err(); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

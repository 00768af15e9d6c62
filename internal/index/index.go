package index

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tkoeda/comment-categorizer/internal/jobs"
)

// ErrNotFound は業界のインデックスが未作成の場合に返されます。
var ErrNotFound = errors.New("index not found")

// ReviewSource はインデックスの元になる過去レビューのコメントを提供します。
type ReviewSource interface {
	PastComments(ctx context.Context, ownerID, industryID string) ([]string, error)
}

// APIKeySource はユーザーの OpenAI APIキーを取得します。
type APIKeySource interface {
	OpenAIAPIKey(ctx context.Context, userID string) (string, error)
}

// Meta は index:<industryID> キーで Redis に保持するインデックスのメタデータです。
type Meta struct {
	IndustryID  string    `json:"industry_id"`
	OwnerID     string    `json:"owner_id"`
	Model       string    `json:"model"`
	Dimension   int       `json:"dimension"`
	ReviewCount int       `json:"review_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type cacheEntry struct {
	Text   string
	Vector []float32
}

// cacheFile は <dataDir>/index/<industryID>.gob に書き出す gob 形式の
// ベクトルストアです。
type cacheFile struct {
	Model     string
	Dimension int
	Entries   []cacheEntry
}

// Manager は業界ごとの過去レビューのベクトルインデックスを構築・検索・
// 削除します。インデックス再構築ジョブの実体です。
type Manager struct {
	rdb     *redis.Client
	keys    APIKeySource
	reviews ReviewSource
	baseDir string
	model   string
	dim     int
	logger  *log.Logger

	// テストで差し替える
	newEmbedder func(apiKey, model string, dimension int) Embedder
}

func NewManager(rdb *redis.Client, keys APIKeySource, dataDir, model string, dimension int, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		rdb:     rdb,
		keys:    keys,
		baseDir: filepath.Join(dataDir, "index"),
		model:   model,
		dim:     dimension,
		logger:  logger,
		newEmbedder: func(apiKey, model string, dimension int) Embedder {
			return NewOpenAIEmbedder(apiKey, model, dimension)
		},
	}
}

// SetReviewSource は構築後にレビューストアを接続します。
func (m *Manager) SetReviewSource(source ReviewSource) {
	m.reviews = source
}

func metaKey(industryID string) string {
	return "index:" + industryID
}

func (m *Manager) cachePath(industryID string) string {
	return filepath.Join(m.baseDir, industryID+".gob")
}

// GetMeta は業界のインデックスの保存済みメタデータを返します。
func (m *Manager) GetMeta(ctx context.Context, ownerID, industryID string) (*Meta, error) {
	raw, err := m.rdb.Get(ctx, metaKey(industryID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load index metadata: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("failed to decode index metadata: %w", err)
	}
	if meta.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return &meta, nil
}

// RunIndexJob はタスクの業界のインデックスを再構築します。バックグラウンド
// キューのインデックスランナーとして動作し、キャンセルは埋め込みバッチの
// 間で確認して jobs.ErrCancelled として返します。
func (m *Manager) RunIndexJob(ctx context.Context, task jobs.IndexTask, report jobs.ProgressFunc, cancelled func() bool) (string, error) {
	apiKey, err := m.keys.OpenAIAPIKey(ctx, task.OwnerID)
	if err != nil {
		return "", err
	}
	if apiKey == "" {
		return "", &jobs.WorkerError{Message: "OpenAI APIキーが設定されていません。"}
	}

	comments, err := m.reviews.PastComments(ctx, task.OwnerID, task.IndustryID)
	if err != nil {
		return "", err
	}
	if len(comments) == 0 {
		return "", &jobs.WorkerError{Message: "過去レビューが登録されていません。"}
	}
	report(10)

	embedder := m.newEmbedder(apiKey, m.model, m.dim)
	entries := make([]cacheEntry, 0, len(comments))
	batches := (len(comments) + maxEmbedBatch - 1) / maxEmbedBatch
	for i := 0; i < len(comments); i += maxEmbedBatch {
		if cancelled() {
			return "", jobs.ErrCancelled
		}
		end := i + maxEmbedBatch
		if end > len(comments) {
			end = len(comments)
		}
		vectors, err := embedder.BatchEmbed(ctx, comments[i:end])
		if err != nil {
			return "", fmt.Errorf("failed to embed batch: %w", err)
		}
		if len(vectors) != end-i {
			return "", fmt.Errorf("embedding count mismatch: got %d want %d", len(vectors), end-i)
		}
		for j, vector := range vectors {
			entries = append(entries, cacheEntry{Text: comments[i+j], Vector: vector})
		}
		done := i/maxEmbedBatch + 1
		report(10 + 80*float64(done)/float64(batches))
	}

	if err := m.writeCache(task.IndustryID, cacheFile{
		Model:     embedder.ModelName(),
		Dimension: embedder.Dimension(),
		Entries:   entries,
	}); err != nil {
		return "", err
	}

	meta := Meta{
		IndustryID:  task.IndustryID,
		OwnerID:     task.OwnerID,
		Model:       embedder.ModelName(),
		Dimension:   embedder.Dimension(),
		ReviewCount: len(entries),
		UpdatedAt:   time.Now().UTC(),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	if err := m.rdb.Set(ctx, metaKey(task.IndustryID), raw, 0).Err(); err != nil {
		return "", fmt.Errorf("failed to save index metadata: %w", err)
	}
	return task.IndustryID, nil
}

func (m *Manager) writeCache(industryID string, cache cacheFile) error {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}
	tmp, err := os.CreateTemp(m.baseDir, industryID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(&cache); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// 読み手には常に完全なインデックスファイルだけが見える。
	return os.Rename(tmp.Name(), m.cachePath(industryID))
}

func (m *Manager) readCache(industryID string) (*cacheFile, error) {
	f, err := os.Open(m.cachePath(industryID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	defer f.Close()

	var cache cacheFile
	if err := gob.NewDecoder(f).Decode(&cache); err != nil {
		return nil, fmt.Errorf("failed to decode index: %w", err)
	}
	return &cache, nil
}

// TopKBatch はクエリごとに最大k件の類似過去コメントを返します。業界の
// インデックスが無い場合は ErrNotFound を返します。
func (m *Manager) TopKBatch(ctx context.Context, apiKey, ownerID, industryID string, queries []string, k int) ([][]string, error) {
	if _, err := m.GetMeta(ctx, ownerID, industryID); err != nil {
		return nil, err
	}
	cache, err := m.readCache(industryID)
	if err != nil {
		return nil, err
	}
	if len(cache.Entries) == 0 || len(queries) == 0 {
		return make([][]string, len(queries)), nil
	}

	// クエリはインデックス構築時と同じモデルで埋め込む。
	embedder := m.newEmbedder(apiKey, cache.Model, cache.Dimension)
	results := make([][]string, len(queries))
	for i := 0; i < len(queries); i += maxEmbedBatch {
		end := i + maxEmbedBatch
		if end > len(queries) {
			end = len(queries)
		}
		vectors, err := embedder.BatchEmbed(ctx, queries[i:end])
		if err != nil {
			return nil, fmt.Errorf("failed to embed queries: %w", err)
		}
		for j, vector := range vectors {
			results[i+j] = topK(cache.Entries, vector, k)
		}
	}
	return results, nil
}

func topK(entries []cacheEntry, query []float32, k int) []string {
	type scored struct {
		text  string
		score float64
	}
	scores := make([]scored, 0, len(entries))
	for _, entry := range entries {
		scores = append(scores, scored{text: entry.Text, score: cosine(query, entry.Vector)})
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].score > scores[j].score
	})
	if k > len(scores) {
		k = len(scores)
	}
	out := make([]string, 0, k)
	for _, s := range scores[:k] {
		out = append(out, s.text)
	}
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// DeleteIndex は業界のインデックスのメタデータとベクトルファイルを削除します。
// 存在しないインデックスの削除は何もしません。
func (m *Manager) DeleteIndex(ctx context.Context, ownerID, industryID string) error {
	meta, err := m.GetMeta(ctx, ownerID, industryID)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.rdb.Del(ctx, metaKey(meta.IndustryID)).Err(); err != nil {
		return fmt.Errorf("failed to delete index metadata: %w", err)
	}
	if err := os.Remove(m.cachePath(industryID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete index file: %w", err)
	}
	return nil
}

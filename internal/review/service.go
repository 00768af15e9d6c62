package review

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/tkoeda/comment-categorizer/internal/index"
	"github.com/tkoeda/comment-categorizer/internal/industry"
	"github.com/tkoeda/comment-categorizer/internal/jobs"
	"github.com/tkoeda/comment-categorizer/internal/storage"
)

const xlsxMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// fallbackCategory はモデルが有効なカテゴリを返さなかった場合に割り当てます。
const fallbackCategory = "未分類"

// similarPerReview は分類の文脈として各コメントに付ける類似過去コメントの件数です。
const similarPerReview = 3

// Retriever は業界インデックスから類似の過去コメントを検索します。
type Retriever interface {
	TopKBatch(ctx context.Context, apiKey, ownerID, industryID string, queries []string, k int) ([][]string, error)
}

// APIKeySource はユーザーの OpenAI APIキーを取得します。
type APIKeySource interface {
	OpenAIAPIKey(ctx context.Context, userID string) (string, error)
}

// Options はサービスの制限値とモデル設定をまとめます。
type Options struct {
	MaxFileSize  int64
	MaxFiles     int
	Model        string
	LLMBatchSize int
}

// Service はレビューパイプラインを担います。アップロードと結合・クリーニング、
// バックグラウンドの分類ジョブ、系譜の削除、ダウンロードを扱います。
type Service struct {
	store      *Store
	industries *industry.Store
	keys       APIKeySource
	files      storage.Storage
	retriever  Retriever
	opts       Options
	logger     *log.Logger

	// テストで差し替える
	newClassifier func(apiKey, model string) Classifier
}

func NewService(store *Store, industries *industry.Store, keys APIKeySource, files storage.Storage, retriever Retriever, opts Options, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if opts.LLMBatchSize <= 0 {
		opts.LLMBatchSize = 20
	}
	return &Service{
		store:      store,
		industries: industries,
		keys:       keys,
		files:      files,
		retriever:  retriever,
		opts:       opts,
		logger:     logger,
		newClassifier: func(apiKey, model string) Classifier {
			return NewOpenAIClassifier(apiKey, model)
		},
	}
}

// CombineAndClean はアップロードされたワークブックを1つの combined ファイルに
// まとめ、正規化と重複除去を行った cleaned ファイルを作ります。両方のレコードを
// 保存し、cleaned のレコードは combined を親として参照します。
func (s *Service) CombineAndClean(ctx context.Context, ownerID, industryID string, typ Type, uploads []*multipart.FileHeader) (*CombineResult, error) {
	if typ != TypeNew && typ != TypePast {
		return nil, newError("INVALID_INPUT", "review_type は new または past を指定してください。", nil)
	}
	if len(uploads) == 0 {
		return nil, newError("INVALID_INPUT", "アップロードされたExcelファイルが見つかりません。", nil)
	}
	if s.opts.MaxFiles > 0 && len(uploads) > s.opts.MaxFiles {
		return nil, newError("LIMIT_EXCEEDED", fmt.Sprintf("一度にアップロードできるファイルは%d件までです。", s.opts.MaxFiles), nil)
	}
	if _, err := s.industries.Get(ctx, industryID, ownerID); err != nil {
		if errors.Is(err, industry.ErrNotFound) {
			return nil, newError("NOT_FOUND", "指定された業界が見つかりません。", err)
		}
		return nil, err
	}

	var comments []string
	for _, upload := range uploads {
		part, err := s.readUpload(ctx, upload)
		if err != nil {
			return nil, err
		}
		comments = append(comments, part...)
	}
	if len(comments) == 0 {
		return nil, newError("INVALID_INPUT", "コメント列が見つからないか、コメントが空です。", nil)
	}

	combined := &Review{
		OwnerID:     ownerID,
		IndustryID:  industryID,
		Type:        typ,
		Stage:       StageCombined,
		DisplayName: displayName(typ, StageCombined),
		FilePath:    storageName(ownerID, StageCombined),
	}
	if err := writeComments(s.files.Path(combined.FilePath), comments); err != nil {
		return nil, fmt.Errorf("failed to write combined workbook: %w", err)
	}
	if err := s.store.Create(ctx, combined); err != nil {
		s.files.Delete(ctx, combined.FilePath)
		return nil, err
	}

	cleaned := cleanComments(comments)
	cleanedRec := &Review{
		OwnerID:     ownerID,
		IndustryID:  industryID,
		Type:        typ,
		Stage:       StageCleaned,
		DisplayName: displayName(typ, StageCleaned),
		FilePath:    storageName(ownerID, StageCleaned),
		ParentID:    combined.ID,
	}
	if err := writeComments(s.files.Path(cleanedRec.FilePath), cleaned); err != nil {
		return nil, fmt.Errorf("failed to write cleaned workbook: %w", err)
	}
	if err := s.store.Create(ctx, cleanedRec); err != nil {
		s.files.Delete(ctx, cleanedRec.FilePath)
		return nil, err
	}

	return &CombineResult{
		Combined:    combined,
		Cleaned:     cleanedRec,
		TotalRows:   len(comments),
		CleanedRows: len(cleaned),
		DroppedRows: len(comments) - len(cleaned),
		SourceCount: len(uploads),
	}, nil
}

// readUpload はアップロードされたワークブック1件を検証し、コメントを抽出します。
func (s *Service) readUpload(ctx context.Context, upload *multipart.FileHeader) ([]string, error) {
	if s.opts.MaxFileSize > 0 && upload.Size > s.opts.MaxFileSize {
		return nil, newError("LIMIT_EXCEEDED", fmt.Sprintf("%s のサイズが上限を超えています。", upload.Filename), nil)
	}
	if !strings.EqualFold(path.Ext(upload.Filename), ".xlsx") {
		return nil, newError("INVALID_INPUT", fmt.Sprintf("%s はxlsx形式ではありません。", upload.Filename), nil)
	}

	f, err := upload.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to detect file type: %w", err)
	}
	if !mtype.Is(xlsxMIME) {
		return nil, newError("INVALID_INPUT", fmt.Sprintf("%s はxlsx形式ではありません。", upload.Filename), nil)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	// Excel リーダーはファイルを前提とするため、一時ファイルを経由する。
	tmp, err := os.CreateTemp("", "upload-*.xlsx")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, f); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	comments, err := readComments(tmp.Name())
	if err != nil {
		return nil, newError("INVALID_INPUT", fmt.Sprintf("%s を読み込めませんでした。", upload.Filename), err)
	}
	return comments, nil
}

// RunReviewJob はバックグラウンドジョブとして分類パイプラインを実行します。
// キャンセルは各バッチの前に確認し jobs.ErrCancelled として返します。
// ユーザーが修正できる失敗は jobs.WorkerError として返します。
func (s *Service) RunReviewJob(ctx context.Context, task jobs.ReviewTask, report jobs.ProgressFunc, cancelled func() bool) (string, error) {
	apiKey, err := s.keys.OpenAIAPIKey(ctx, task.OwnerID)
	if err != nil {
		return "", err
	}
	if apiKey == "" {
		return "", &jobs.WorkerError{Message: "OpenAI APIキーが設定されていません。"}
	}

	ind, err := s.industries.Get(ctx, task.IndustryID, task.OwnerID)
	if err != nil {
		if errors.Is(err, industry.ErrNotFound) {
			return "", &jobs.WorkerError{Message: "指定された業界が見つかりません。"}
		}
		return "", err
	}

	source, err := s.store.Get(ctx, task.NewCleanedID, task.OwnerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", &jobs.WorkerError{Message: "分類対象のレビューが見つかりません。"}
		}
		return "", err
	}
	comments, err := readComments(s.files.Path(source.FilePath))
	if err != nil {
		return "", fmt.Errorf("failed to read cleaned workbook: %w", err)
	}
	if len(comments) == 0 {
		return "", &jobs.WorkerError{Message: "分類対象のコメントがありません。"}
	}
	report(10)

	var similar [][]string
	if task.UsePastReviews {
		similar, err = s.retriever.TopKBatch(ctx, apiKey, task.OwnerID, task.IndustryID, comments, similarPerReview)
		if err != nil {
			if errors.Is(err, index.ErrNotFound) {
				return "", &jobs.WorkerError{Message: "過去レビューのインデックスが未作成です。先にインデックスを更新してください。"}
			}
			return "", fmt.Errorf("failed to fetch similar reviews: %w", err)
		}
	}
	report(25)

	classifier := s.newClassifier(apiKey, s.opts.Model)
	categories := make([][]string, len(comments))
	batchSize := s.opts.LLMBatchSize
	batches := (len(comments) + batchSize - 1) / batchSize
	for i := 0; i < len(comments); i += batchSize {
		if cancelled() {
			return "", jobs.ErrCancelled
		}
		end := i + batchSize
		if end > len(comments) {
			end = len(comments)
		}
		var batchSimilar [][]string
		if similar != nil {
			batchSimilar = similar[i:end]
		}
		result, err := classifier.ClassifyBatch(ctx, comments[i:end], batchSimilar, ind.Categories)
		if err != nil {
			return "", fmt.Errorf("failed to classify batch: %w", err)
		}
		for j := range result {
			if i+j < len(categories) {
				categories[i+j] = result[j]
			}
		}
		done := i/batchSize + 1
		report(30 + 50*float64(done)/float64(batches))
	}
	for i := range categories {
		if len(categories[i]) == 0 {
			categories[i] = []string{fallbackCategory}
		}
	}
	report(85)

	final := &Review{
		OwnerID:     task.OwnerID,
		IndustryID:  task.IndustryID,
		Type:        TypeFinal,
		Stage:       StageFinal,
		DisplayName: displayName(TypeFinal, StageFinal),
		FilePath:    storageName(task.OwnerID, StageFinal),
		ParentID:    source.ID,
	}
	if err := writeCategorized(s.files.Path(final.FilePath), comments, categories); err != nil {
		return "", fmt.Errorf("failed to write final workbook: %w", err)
	}
	if err := s.store.Create(ctx, final); err != nil {
		s.files.Delete(ctx, final.FilePath)
		return "", err
	}
	return final.ID, nil
}

// PastComments は業界ごとの cleaned な過去レビューに含まれる全コメントを
// 返します。インデックス構築の入力になります。
func (s *Service) PastComments(ctx context.Context, ownerID, industryID string) ([]string, error) {
	records, err := s.store.List(ctx, ownerID, industryID, TypePast, StageCleaned)
	if err != nil {
		return nil, err
	}
	var comments []string
	for _, record := range records {
		part, err := readComments(s.files.Path(record.FilePath))
		if err != nil {
			return nil, fmt.Errorf("failed to read past workbook %s: %w", record.ID, err)
		}
		comments = append(comments, part...)
	}
	return cleanComments(comments), nil
}

// Get はレビューのレコードを1件取得します。
func (s *Service) Get(ctx context.Context, id, ownerID string) (*Review, error) {
	return s.store.Get(ctx, id, ownerID)
}

// List は所有者のレビューレコードを返します。各フィルターは任意です。
func (s *Service) List(ctx context.Context, ownerID, industryID string, typ Type, stage Stage) ([]*Review, error) {
	return s.store.List(ctx, ownerID, industryID, typ, stage)
}

// OpenDownload はレビューのワークブックをクライアントへ配信するために開き、
// サイズを返します。
func (s *Service) OpenDownload(ctx context.Context, id, ownerID string) (*Review, io.ReadCloser, int64, error) {
	record, err := s.store.Get(ctx, id, ownerID)
	if err != nil {
		return nil, nil, 0, err
	}
	info, err := os.Stat(s.files.Path(record.FilePath))
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to stat workbook: %w", err)
	}
	f, err := s.files.Open(ctx, record.FilePath)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to open workbook: %w", err)
	}
	return record, f, info.Size(), nil
}

// DeleteCascadeUp はレビューと系譜上のすべての祖先を、レコードと
// ワークブックの両方とも削除します。
func (s *Service) DeleteCascadeUp(ctx context.Context, id, ownerID string) error {
	for id != "" {
		record, err := s.store.Get(ctx, id, ownerID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		if err := s.deleteOne(ctx, record); err != nil {
			return err
		}
		id = record.ParentID
	}
	return nil
}

// DeleteByIndustry は業界に属する所有者のレビューレコードとワークブックを
// すべて削除します。業界自体の削除時に使います。
func (s *Service) DeleteByIndustry(ctx context.Context, ownerID, industryID string) error {
	records, err := s.store.List(ctx, ownerID, industryID, "", "")
	if err != nil {
		return err
	}
	for _, record := range records {
		if err := s.deleteOne(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) deleteOne(ctx context.Context, record *Review) error {
	if err := s.files.Delete(ctx, record.FilePath); err != nil {
		s.logger.Printf("failed to delete workbook %s: %v", record.FilePath, err)
	}
	return s.store.Delete(ctx, record.ID, record.OwnerID)
}

func storageName(ownerID string, stage Stage) string {
	return path.Join(ownerID, string(stage), uuid.NewString()+".xlsx")
}

func displayName(typ Type, stage Stage) string {
	return fmt.Sprintf("%s_%s_%s.xlsx", typ, stage, time.Now().Format("20060102_150405"))
}

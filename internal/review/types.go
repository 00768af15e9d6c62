// Package review はアップロードされたレビューファイルの管理（結合・
// クリーニング・系譜・ダウンロード）とLLM分類パイプラインを担います。
package review

import "time"

// Type はレビューファイルの用途を区別します。
type Type string

const (
	TypeNew   Type = "new"   // 分類待ちのレビュー
	TypePast  Type = "past"  // インデックスに使う過去レビュー
	TypeFinal Type = "final" // 分類済みの成果物
)

// Stage はファイルがパイプラインのどこまで進んだかを示します。
type Stage string

const (
	StageCombined Stage = "combined"
	StageCleaned  Stage = "cleaned"
	StageFinal    Stage = "final"
)

// Review は保存済みワークブック1件のメタデータです。ParentID が
// combined -> cleaned -> final の系譜をつなぎます。
type Review struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	IndustryID  string `json:"industry_id"`
	Type        Type   `json:"review_type"`
	Stage       Stage  `json:"stage"`
	DisplayName string `json:"display_name"`
	// FilePath はストレージ層内でのワークブック名。
	FilePath  string    `json:"file_path"`
	ParentID  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CombineResult は CombineAndClean の結果です。
type CombineResult struct {
	Combined    *Review `json:"combined"`
	Cleaned     *Review `json:"cleaned"`
	TotalRows   int     `json:"total_rows"`
	CleanedRows int     `json:"cleaned_rows"`
	DroppedRows int     `json:"dropped_rows"`
	SourceCount int     `json:"source_count"`
}

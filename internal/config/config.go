// Package config は環境変数から設定を読み込み、アプリケーション全体で
// 使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はAPIサーバーとワーカーの全設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート
	GinMode string // gin のモード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // 許可するオリジンのカンマ区切りリスト

	// セッション設定
	SessionSecret string // クッキー署名用シークレット

	// ストレージ設定
	RedisURL string // Redis 接続URL（ジョブストア・メタデータ・キュー）
	DataDir  string // レビューファイルとインデックスキャッシュの基底ディレクトリ

	// ファイル制限
	MaxFileSize int64 // 1ファイルの最大サイズ（バイト）
	MaxFiles    int   // 1回のアップロードの最大ファイル数

	// LLMパイプライン設定
	OpenAIModel        string // 分類に使うチャットモデル
	EmbeddingModel     string // インデックスに使う埋め込みモデル
	EmbeddingDimension int    // 埋め込みベクトルの次元数
	LLMBatchSize       int    // 1回のAPI呼び出しで分類するレビュー数
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// セッション設定
		SessionSecret: getEnv("SESSION_SECRET", ""),

		// ストレージ設定
		RedisURL: getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		DataDir:  getEnv("DATA_DIR", "data"),

		// ファイル制限
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 20*1024*1024), // 20MB
		MaxFiles:    getEnvAsInt("MAX_FILES", 10),

		// LLMパイプライン設定
		OpenAIModel:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		EmbeddingModel:     getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimension: getEnvAsInt("EMBEDDING_DIMENSION", 1536),
		LLMBatchSize:       getEnvAsInt("LLM_BATCH_SIZE", 20),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	// .env.local ファイルを読み込む（存在しない場合は親ディレクトリを試す）
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発では任意、本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in release mode")
		}
	}
	if c.LLMBatchSize <= 0 {
		return fmt.Errorf("LLM_BATCH_SIZE must be positive")
	}
	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

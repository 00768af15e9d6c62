// Package storage はレビュー成果物の保存先を抽象化します。
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Storage は名前付きのブロブを保存します。名前はスラッシュ区切りの相対パスです。
type Storage interface {
	Save(ctx context.Context, name string, data []byte) error
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
	// Path はファイルを直接扱うツール（Excel の読み書き）向けに
	// ファイルシステム上のパスを返す。
	Path(name string) string
}

// Local は基底ディレクトリ配下のローカルファイルシステムにブロブを保存します。
type Local struct {
	baseDir string
}

// NewLocal は必要なら基底ディレクトリを作成します。
func NewLocal(baseDir string) (*Local, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &Local{baseDir: baseDir}, nil
}

// Save はデータを書き込みます。親ディレクトリは必要に応じて作成します。
func (l *Local) Save(ctx context.Context, name string, data []byte) error {
	path, err := l.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Open は保存済みブロブを読み取り用に開きます。
func (l *Local) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	path, err := l.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// Delete はブロブを削除します。存在しないブロブの削除はエラーになりません。
func (l *Local) Delete(ctx context.Context, name string) error {
	path, err := l.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Path は name のファイルシステム上のパスを返します。存在確認はしません。
func (l *Local) Path(name string) string {
	path, err := l.resolve(name)
	if err != nil {
		return filepath.Join(l.baseDir, "invalid")
	}
	return path
}

func (l *Local) resolve(name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid storage name: %q", name)
	}
	return filepath.Join(l.baseDir, cleaned), nil
}

package review

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/unicode/norm"
)

// アップロードされたワークブックで認識するコメント列ヘッダー。順に照合
// します。元のレビューエクスポートはコメント列を「コメント」と表記します。
var commentHeaders = []string{"コメント", "comment", "review"}

const (
	outputSheet          = "Sheet1"
	commentColumnName    = "コメント"
	categoriesColumnName = "カテゴリ"
)

// readComments はワークブックの全シートからコメント列を抽出します。
func readComments(path string) ([]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	var comments []string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		col, hasHeader := commentColumnIndex(rows[0])
		if col < 0 {
			continue
		}
		body := rows
		if hasHeader {
			// ヘッダー行はデータではないので読み飛ばす。
			body = rows[1:]
		}
		for _, row := range body {
			if col >= len(row) {
				continue
			}
			if text := strings.TrimSpace(row[col]); text != "" {
				comments = append(comments, text)
			}
		}
	}
	return comments, nil
}

// commentColumnIndex はコメント列の位置と、先頭行が認識済みヘッダー
// だったかどうかを返します。列が見つからない場合は -1 を返します。
func commentColumnIndex(header []string) (int, bool) {
	for _, want := range commentHeaders {
		for i, cell := range header {
			if strings.EqualFold(strings.TrimSpace(cell), want) {
				return i, true
			}
		}
	}
	// ヘッダーなしの1列シートはコメントの素のリストとして扱う。
	// 先頭行もデータなので読み飛ばさない。
	if len(header) == 1 {
		return 0, false
	}
	return -1, false
}

// writeComments は id + コメントのヘッダー付きで1行1コメントを書き出します。
func writeComments(path string, comments []string) error {
	return writeWorkbook(path, []string{"id", commentColumnName}, func(i int) []any {
		return []any{i + 1, comments[i]}
	}, len(comments))
}

// writeCategorized は最終出力（id・コメント・結合済みカテゴリ）を
// 書き出します。
func writeCategorized(path string, comments []string, categories [][]string) error {
	return writeWorkbook(path, []string{"id", commentColumnName, categoriesColumnName}, func(i int) []any {
		return []any{i + 1, comments[i], strings.Join(categories[i], ", ")}
	}, len(comments))
}

func writeWorkbook(path string, header []string, row func(int) []any, rows int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	for col, name := range header {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(outputSheet, cell, name); err != nil {
			return err
		}
	}
	for i := 0; i < rows; i++ {
		for col, value := range row(i) {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(outputSheet, cell, value); err != nil {
				return err
			}
		}
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	return nil
}

// cleanComments はコメントを NFKC 正規化し、空白を畳み、空行と重複を
// 順序を保ったまま取り除きます。
func cleanComments(comments []string) []string {
	seen := make(map[string]struct{}, len(comments))
	cleaned := make([]string, 0, len(comments))
	for _, comment := range comments {
		text := norm.NFKC.String(comment)
		text = strings.Join(strings.Fields(text), " ")
		if text == "" {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		cleaned = append(cleaned, text)
	}
	return cleaned
}

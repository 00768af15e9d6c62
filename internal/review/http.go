package review

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tkoeda/comment-categorizer/internal/auth"
)

// CombineAndCleanHandler は POST /api/reviews/combine を処理します。
func CombineAndCleanHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.GetString(auth.ContextUserIDKey)

		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data でExcelファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		files := form.File["files[]"]
		if len(files) == 0 {
			files = form.File["files"]
		}

		industryID := strings.TrimSpace(c.PostForm("industry_id"))
		if industryID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "industry_id を指定してください。",
			})
			return
		}
		typ := Type(strings.TrimSpace(c.PostForm("review_type")))

		result, err := svc.CombineAndClean(c.Request.Context(), ownerID, industryID, typ, files)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

// ListHandler は GET /api/reviews を処理します。
func ListHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.GetString(auth.ContextUserIDKey)

		reviews, err := svc.List(
			c.Request.Context(),
			ownerID,
			strings.TrimSpace(c.Query("industry_id")),
			Type(strings.TrimSpace(c.Query("review_type"))),
			Stage(strings.TrimSpace(c.Query("stage"))),
		)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"reviews": reviews})
	}
}

// DownloadHandler は GET /api/reviews/:id/download を処理します。
func DownloadHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.GetString(auth.ContextUserIDKey)

		record, file, size, err := svc.OpenDownload(c.Request.Context(), c.Param("id"), ownerID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer file.Close()

		encodedName := url.PathEscape(record.DisplayName)
		c.Header("Content-Type", xlsxMIME)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", record.DisplayName, encodedName))
		c.Header("Cache-Control", "no-store")
		c.DataFromReader(http.StatusOK, size, xlsxMIME, file, nil)
	}
}

// DeleteHandler は DELETE /api/reviews/:id を処理します。レビューを削除すると
// combined の元ファイルまで系譜全体が削除されます。
func DeleteHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.GetString(auth.ContextUserIDKey)

		if _, err := svc.Get(c.Request.Context(), c.Param("id"), ownerID); err != nil {
			respondWithError(c, err)
			return
		}
		if err := svc.DeleteCascadeUp(c.Request.Context(), c.Param("id"), ownerID); err != nil {
			respondWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		switch apiErr.Code {
		case "LIMIT_EXCEEDED":
			status = http.StatusRequestEntityTooLarge
		case "NOT_FOUND":
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "指定されたレビューが見つかりません。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

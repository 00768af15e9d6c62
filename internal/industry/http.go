package industry

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tkoeda/comment-categorizer/internal/auth"
)

// ReviewPurger は業界に属するレビューファイルをすべて削除します。
type ReviewPurger interface {
	DeleteByIndustry(ctx context.Context, ownerID, industryID string) error
}

// IndexPurger は業界の検索インデックスを削除します。
type IndexPurger interface {
	DeleteIndex(ctx context.Context, ownerID, industryID string) error
}

type createRequest struct {
	Name       string   `json:"name" binding:"required"`
	Categories []string `json:"categories" binding:"required"`
}

// ListHandler は GET /api/industries のハンドラーを返します。
func ListHandler(store *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.GetString(auth.ContextUserIDKey)
		industries, err := store.List(c.Request.Context(), ownerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "業界一覧の取得に失敗しました。",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"industries": industries})
	}
}

// CreateHandler は POST /api/industries のハンドラーを返します。
func CreateHandler(store *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "name と categories を JSON で送ってください。",
			})
			return
		}
		if len(req.Categories) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "カテゴリを1つ以上指定してください。",
			})
			return
		}

		ownerID := c.GetString(auth.ContextUserIDKey)
		ind, err := store.Create(c.Request.Context(), ownerID, req.Name, req.Categories)
		if err != nil {
			if errors.Is(err, ErrExists) {
				c.JSON(http.StatusConflict, gin.H{
					"code":    "INDUSTRY_EXISTS",
					"message": "同じ名前の業界が既に存在します。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "業界の作成に失敗しました。",
			})
			return
		}
		c.JSON(http.StatusCreated, ind)
	}
}

// DeleteHandler は DELETE /api/industries/:id のハンドラーを返します。
// 業界を削除すると、そのレビューと検索インデックスも削除されます。
func DeleteHandler(store *Store, reviews ReviewPurger, index IndexPurger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.GetString(auth.ContextUserIDKey)
		industryID := c.Param("id")

		if _, err := store.Get(c.Request.Context(), industryID, ownerID); err != nil {
			if errors.Is(err, ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "INDUSTRY_NOT_FOUND",
					"message": "業界が見つかりませんでした。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "業界の取得に失敗しました。",
			})
			return
		}

		if reviews != nil {
			if err := reviews.DeleteByIndustry(c.Request.Context(), ownerID, industryID); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{
					"code":    "INTERNAL_ERROR",
					"message": "業界に紐づくレビューの削除に失敗しました。",
				})
				return
			}
		}
		if index != nil {
			if err := index.DeleteIndex(c.Request.Context(), ownerID, industryID); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{
					"code":    "INTERNAL_ERROR",
					"message": "業界のインデックス削除に失敗しました。",
				})
				return
			}
		}

		if err := store.Delete(c.Request.Context(), industryID, ownerID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "業界の削除に失敗しました。",
			})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

package main

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tkoeda/comment-categorizer/internal/auth"
	"github.com/tkoeda/comment-categorizer/internal/industry"
	"github.com/tkoeda/comment-categorizer/internal/jobs"
	"github.com/tkoeda/comment-categorizer/internal/review"
)

type createReviewJobRequest struct {
	IndustryID     string `json:"industry_id" binding:"required"`
	NewCleanedID   string `json:"new_cleaned_id" binding:"required"`
	UsePastReviews bool   `json:"use_past_reviews"`
}

// createReviewJobHandler は POST /api/jobs/reviews を処理します。入力を検証し、
// pending のジョブレコードを作成してバックグラウンドタスクを投入します。
func createReviewJobHandler(deps *appDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.GetString(auth.ContextUserIDKey)

		var req createReviewJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "industry_id と new_cleaned_id を指定してください。",
			})
			return
		}

		if !ensureAPIKey(c, deps, ownerID) {
			return
		}
		if _, err := deps.industries.Get(c.Request.Context(), req.IndustryID, ownerID); err != nil {
			if errors.Is(err, industry.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "NOT_FOUND",
					"message": "指定された業界が見つかりません。",
				})
				return
			}
			internalError(c)
			return
		}
		source, err := deps.reviews.Get(c.Request.Context(), req.NewCleanedID, ownerID)
		if err != nil {
			if errors.Is(err, review.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "NOT_FOUND",
					"message": "分類対象のレビューが見つかりません。",
				})
				return
			}
			internalError(c)
			return
		}
		if source.Stage != review.StageCleaned {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "クリーニング済みのレビューを指定してください。",
			})
			return
		}

		record, err := deps.lifecycle.Create(c.Request.Context(), jobs.KindReviewProcessing, ownerID, req.IndustryID)
		if err != nil {
			if errors.Is(err, jobs.ErrConflict) {
				c.JSON(http.StatusConflict, gin.H{
					"code":    "JOB_CONFLICT",
					"message": "同じ業界のジョブが既に実行中です。",
				})
				return
			}
			internalError(c)
			return
		}

		task := jobs.ReviewTask{
			JobID:          record.JobID,
			OwnerID:        ownerID,
			IndustryID:     req.IndustryID,
			NewCleanedID:   req.NewCleanedID,
			UsePastReviews: req.UsePastReviews,
		}
		if err := deps.queue.EnqueueReview(c.Request.Context(), task); err != nil {
			// タスクがキューに乗らなかった場合、レコードを pending のまま残さない。
			if failErr := deps.lifecycle.Fail(c.Request.Context(), record.JobID, "ジョブの投入に失敗しました。"); failErr != nil {
				log.Printf("failed to mark job %s failed: %v", record.JobID, failErr)
			}
			internalError(c)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"job_id": record.JobID,
			"status": record.Status,
		})
	}
}

type createIndexJobRequest struct {
	IndustryID string `json:"industry_id" binding:"required"`
}

// createIndexJobHandler は POST /api/jobs/index を処理します。
func createIndexJobHandler(deps *appDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.GetString(auth.ContextUserIDKey)

		var req createIndexJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "industry_id を指定してください。",
			})
			return
		}

		if !ensureAPIKey(c, deps, ownerID) {
			return
		}
		if _, err := deps.industries.Get(c.Request.Context(), req.IndustryID, ownerID); err != nil {
			if errors.Is(err, industry.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "NOT_FOUND",
					"message": "指定された業界が見つかりません。",
				})
				return
			}
			internalError(c)
			return
		}

		record, err := deps.lifecycle.Create(c.Request.Context(), jobs.KindIndexUpdate, ownerID, req.IndustryID)
		if err != nil {
			if errors.Is(err, jobs.ErrConflict) {
				c.JSON(http.StatusConflict, gin.H{
					"code":    "JOB_CONFLICT",
					"message": "同じ業界のジョブが既に実行中です。",
				})
				return
			}
			internalError(c)
			return
		}

		task := jobs.IndexTask{
			JobID:      record.JobID,
			OwnerID:    ownerID,
			IndustryID: req.IndustryID,
		}
		if err := deps.queue.EnqueueIndex(c.Request.Context(), task); err != nil {
			if failErr := deps.lifecycle.Fail(c.Request.Context(), record.JobID, "ジョブの投入に失敗しました。"); failErr != nil {
				log.Printf("failed to mark job %s failed: %v", record.JobID, failErr)
			}
			internalError(c)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"job_id": record.JobID,
			"status": record.Status,
		})
	}
}

// jobStatusHandler は GET /api/jobs/:id を処理します。WebSocket 接続を
// 持たないクライアントのポーリングフォールバックです。
func jobStatusHandler(lifecycle *jobs.Lifecycle) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.GetString(auth.ContextUserIDKey)
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "job_id を指定してください。",
			})
			return
		}

		record, err := lifecycle.GetOwned(c.Request.Context(), jobID, ownerID)
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "JOB_NOT_FOUND",
					"message": "指定されたジョブは存在しません。",
				})
				return
			}
			internalError(c)
			return
		}
		c.JSON(http.StatusOK, record.Snapshot())
	}
}

// jobListHandler は GET /api/jobs を処理します。kind と status のフィルターは任意です。
func jobListHandler(lifecycle *jobs.Lifecycle) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.GetString(auth.ContextUserIDKey)

		records, err := lifecycle.ListOwned(
			c.Request.Context(),
			ownerID,
			jobs.Kind(strings.TrimSpace(c.Query("kind"))),
			jobs.Status(strings.TrimSpace(c.Query("status"))),
		)
		if err != nil {
			internalError(c)
			return
		}
		snapshots := make([]jobs.Snapshot, 0, len(records))
		for _, record := range records {
			snapshots = append(snapshots, record.Snapshot())
		}
		c.JSON(http.StatusOK, gin.H{"jobs": snapshots})
	}
}

// jobCancelHandler は POST /api/jobs/:id/cancel を処理します。キャンセルは
// 要求であり、processing のジョブは次のチェックポイントで停止するため、
// レスポンスは終端状態ではなく 202 を返します。
func jobCancelHandler(lifecycle *jobs.Lifecycle) gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.GetString(auth.ContextUserIDKey)
		jobID := strings.TrimSpace(c.Param("id"))

		if _, err := lifecycle.GetOwned(c.Request.Context(), jobID, ownerID); err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "JOB_NOT_FOUND",
					"message": "指定されたジョブは存在しません。",
				})
				return
			}
			internalError(c)
			return
		}
		// 終端状態に達したジョブはもうキャンセルできないが、要求自体は受理する。
		if err := lifecycle.RequestCancel(c.Request.Context(), jobID); err != nil && !errors.Is(err, jobs.ErrInvalidState) {
			internalError(c)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "cancel_requested": true})
	}
}

func ensureAPIKey(c *gin.Context, deps *appDeps, ownerID string) bool {
	apiKey, err := deps.users.OpenAIAPIKey(c.Request.Context(), ownerID)
	if err != nil {
		internalError(c)
		return false
	}
	if apiKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "API_KEY_MISSING",
			"message": "OpenAI APIキーが設定されていません。",
		})
		return false
	}
	return true
}

func internalError(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "INTERNAL_ERROR",
		"message": "サーバー内部でエラーが発生しました。",
	})
}

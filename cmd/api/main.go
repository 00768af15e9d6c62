// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/tkoeda/comment-categorizer/internal/auth"
	"github.com/tkoeda/comment-categorizer/internal/config"
	"github.com/tkoeda/comment-categorizer/internal/hub"
	"github.com/tkoeda/comment-categorizer/internal/index"
	"github.com/tkoeda/comment-categorizer/internal/industry"
	"github.com/tkoeda/comment-categorizer/internal/jobs"
	"github.com/tkoeda/comment-categorizer/internal/review"
	"github.com/tkoeda/comment-categorizer/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	gin.SetMode(cfg.GinMode)
	logger := log.Default()

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to parse Redis URL: %v", err)
	}
	rdb := redis.NewClient(opt)

	files, err := storage.NewLocal(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to init storage: %v", err)
	}

	userStore := auth.NewStore(rdb)
	authManager := auth.NewManager(userStore)
	industryStore := industry.NewStore(rdb)

	jobStore := jobs.NewStore(rdb)
	notifier := hub.New(jobStore, logger)
	lifecycle := jobs.NewLifecycle(jobStore, notifier, logger)

	indexManager := index.NewManager(rdb, userStore, cfg.DataDir, cfg.EmbeddingModel, cfg.EmbeddingDimension, logger)
	reviewService := review.NewService(
		review.NewStore(rdb),
		industryStore,
		userStore,
		files,
		indexManager,
		review.Options{
			MaxFileSize:  cfg.MaxFileSize,
			MaxFiles:     cfg.MaxFiles,
			Model:        cfg.OpenAIModel,
			LLMBatchSize: cfg.LLMBatchSize,
		},
		logger,
	)
	indexManager.SetReviewSource(reviewService)

	queue, err := jobs.NewManager(cfg.RedisURL, lifecycle, reviewService, indexManager, logger)
	if err != nil {
		log.Fatalf("Failed to init job queue: %v", err)
	}
	queue.StartWorkers()

	router := gin.Default()

	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	corsConfig := cors.DefaultConfig()
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token",
	}
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	deps := &appDeps{
		auth:       authManager,
		users:      userStore,
		industries: industryStore,
		reviews:    reviewService,
		index:      indexManager,
		lifecycle:  lifecycle,
		queue:      queue,
		hub:        notifier,
		origins:    originSet(origins),
	}
	setupRoutes(router, deps)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("Starting API server on %s (mode: %s)", srv.Addr, cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if err := queue.Shutdown(ctx); err != nil {
		log.Printf("Queue shutdown: %v", err)
	}
	if err := rdb.Close(); err != nil {
		log.Printf("Redis close: %v", err)
	}
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "comment-categorizer-api",
		"version": "0.1.0",
	})
}

type appDeps struct {
	auth       *auth.Manager
	users      *auth.Store
	industries *industry.Store
	reviews    *review.Service
	index      *index.Manager
	lifecycle  *jobs.Lifecycle
	queue      *jobs.Manager
	hub        *hub.Hub
	origins    map[string]bool
}

func setupRoutes(router *gin.Engine, deps *appDeps) {
	router.GET("/health", handleHealth)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// 登録とログインはセッション確立前なのでCSRFチェックは行わない。
			authRoutes.POST("/register", deps.auth.Register)
			authRoutes.POST("/login", deps.auth.Login)
			authRoutes.POST("/logout",
				deps.auth.RequireLogin(),
				deps.auth.VerifyCSRF(),
				deps.auth.Logout,
			)
		}

		protected := api.Group("")
		protected.Use(deps.auth.RequireLogin(), deps.auth.VerifyCSRF())
		{
			protected.PUT("/account/settings", deps.auth.UpdateSettings)

			protected.GET("/industries", industry.ListHandler(deps.industries))
			protected.POST("/industries", industry.CreateHandler(deps.industries))
			protected.DELETE("/industries/:id", industry.DeleteHandler(deps.industries, deps.reviews, deps.index))

			protected.POST("/reviews/combine", review.CombineAndCleanHandler(deps.reviews))
			protected.GET("/reviews", review.ListHandler(deps.reviews))
			protected.GET("/reviews/:id/download", review.DownloadHandler(deps.reviews))
			protected.DELETE("/reviews/:id", review.DeleteHandler(deps.reviews))

			protected.POST("/jobs/reviews", createReviewJobHandler(deps))
			protected.POST("/jobs/index", createIndexJobHandler(deps))
			protected.GET("/jobs", jobListHandler(deps.lifecycle))
			protected.GET("/jobs/:id", jobStatusHandler(deps.lifecycle))
			protected.POST("/jobs/:id/cancel", jobCancelHandler(deps.lifecycle))

			// WebSocket クライアントはカスタムヘッダーを付けられないため、
			// ストリームはCSRFを省略しセッションとオリジン検証に頼る。
		}

		ws := api.Group("/ws")
		ws.Use(deps.auth.RequireLogin())
		{
			ws.GET("/jobs/:id", hub.StreamHandler(deps.hub, ownerFromContext, deps.origins))
		}
	}
}

func ownerFromContext(c *gin.Context) string {
	return c.GetString(auth.ContextUserIDKey)
}

func originSet(origins []string) map[string]bool {
	set := make(map[string]bool, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			set[trimmed] = true
		}
	}
	return set
}

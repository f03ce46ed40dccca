package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"pubmed-newsroom/config"
	"pubmed-newsroom/models"
	"pubmed-newsroom/providers"
	"pubmed-newsroom/providers/pubmed"
	"pubmed-newsroom/services"
	"pubmed-newsroom/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	storiesGeneratedCounter   prometheus.Counter
	artifactsPublishedCounter prometheus.Counter
	searchesRefreshedCounter  prometheus.Counter
)

func init() {
	storiesGeneratedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stories_generated_total",
			Help: "Total number of story drafts generated.",
		},
	)
	artifactsPublishedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "artifacts_published_total",
			Help: "Total number of artifacts published to the gallery.",
		},
	)
	searchesRefreshedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "searches_refreshed_total",
			Help: "Total number of stale searches refreshed by the cron job.",
		},
	)
	prometheus.MustRegister(storiesGeneratedCounter, artifactsPublishedCounter, searchesRefreshedCounter)
}

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

// errorResponse übersetzt die Fehlerklassen des Workflows in HTTP-Antworten.
func errorResponse(c *gin.Context, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotPublished):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, providers.ErrFetchFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream index unavailable, try again later"})
	case errors.Is(err, services.ErrGenerationFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "story generation failed, the draft was not created"})
	default:
		log.Error("Unerwarteter Fehler", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to database.")

	logging.Info("Running database auto-migration...")
	if err := db.AutoMigrate(
		&models.Record{},
		&models.Query{},
		&models.QueryResult{},
		&models.ReadabilityScore{},
		&models.Artifact{},
	); err != nil {
		logging.Fatal("Auto-migration failed", zap.Error(err))
	}

	promptBytes, err := os.ReadFile(cfg.PromptPath)
	if err != nil {
		logging.Fatal("Failed to read prompt template", zap.String("path", cfg.PromptPath), zap.Error(err))
	}

	// Setup Services
	recordStore := store.NewRecordStore(db, logging)
	artifactStore := store.NewArtifactStore(db, logging)
	provider := pubmed.NewFetcher(cfg, logging)
	generator := services.NewOpenAIGenerator(cfg, logging)
	curation, err := services.NewCurationService(cfg, recordStore, artifactStore, provider, generator, string(promptBytes), logging)
	if err != nil {
		logging.Fatal("Curation service setup failed", zap.Error(err))
	}

	// Setup Router
	router := gin.Default()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	setupGalleryRoutes(router, curation, logging)
	setupCurationRoutes(router, cfg, curation, logging)

	// Setup Cron
	cronScheduler := cron.New()
	cronScheduler.AddFunc(cfg.CronSchedule, func() {
		logging.Info("Running scheduled search refresh...")
		count, err := curation.RefreshStaleSearches(context.Background())
		if err != nil {
			logging.Error("Cron job failed", zap.Error(err))
		} else {
			logging.Info("Cron job completed", zap.Int("refreshed_searches", count))
			searchesRefreshedCounter.Add(float64(count))
		}
	})
	cronScheduler.Start()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

// galleryView ist die öffentliche Darstellung eines veröffentlichten Artefakts.
type galleryView struct {
	PMID         string                  `json:"pmid"`
	Headline     string                  `json:"headline"`
	Standfirst   string                  `json:"standfirst"`
	Story        models.Story            `json:"story"`
	Metadata     models.MetadataSnapshot `json:"metadata"`
	FeaturedRank int                     `json:"featured_rank"`
	PublishedAt  time.Time               `json:"published_at"`
}

func newGalleryView(a *models.Artifact) galleryView {
	story, _ := a.DecodeStory()
	meta, _ := a.DecodeMetadata()
	view := galleryView{
		PMID:       a.PMID,
		Headline:   a.Headline,
		Standfirst: a.Standfirst,
		Story:      story,
		Metadata:   meta,
	}
	if a.FeaturedRank != nil {
		view.FeaturedRank = *a.FeaturedRank
	}
	if a.PublishedAt != nil {
		view.PublishedAt = *a.PublishedAt
	}
	return view
}

// setupGalleryRoutes konfiguriert die öffentlichen Lese-Endpunkte.
func setupGalleryRoutes(router *gin.Engine, curation *services.CurationService, log *zap.Logger) {
	rg := router.Group("/gallery")

	rg.GET("/", func(c *gin.Context) {
		artifacts, err := curation.Gallery(c.Request.Context())
		if err != nil {
			errorResponse(c, log, err)
			return
		}
		views := make([]galleryView, 0, len(artifacts))
		for i := range artifacts {
			views = append(views, newGalleryView(&artifacts[i]))
		}
		c.JSON(http.StatusOK, views)
	})

	rg.GET("/:pmid", func(c *gin.Context) {
		artifact, err := curation.Review(c.Request.Context(), c.Param("pmid"))
		if err != nil {
			errorResponse(c, log, err)
			return
		}
		// Entwürfe sind öffentlich nicht sichtbar.
		if !artifact.IsPublished() {
			c.JSON(http.StatusNotFound, gin.H{"error": "story not found"})
			return
		}
		c.JSON(http.StatusOK, newGalleryView(artifact))
	})
}

// setupCurationRoutes konfiguriert die Kurator-Endpunkte hinter dem API-Key.
func setupCurationRoutes(router *gin.Engine, cfg *config.Config, curation *services.CurationService, log *zap.Logger) {
	rg := router.Group("/curation")
	rg.Use(apiKeyAuthMiddleware(cfg))

	rg.GET("/search", func(c *gin.Context) {
		term := c.Query("term")
		if term == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter 'term' is required"})
			return
		}
		ranAt := time.Now().UTC()
		results, err := curation.Search(c.Request.Context(), term)
		if err != nil {
			errorResponse(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"term":          term,
			"search_ran_at": ranAt,
			"results":       results,
		})
	})

	rg.POST("/generate", func(c *gin.Context) {
		var req struct {
			PMID        string     `json:"pmid" binding:"required"`
			SearchTerm  string     `json:"search_term"`
			SearchRanAt *time.Time `json:"search_ran_at"`
			Overwrite   bool       `json:"overwrite"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. 'pmid' field is required."})
			return
		}

		artifact, err := curation.Generate(c.Request.Context(), services.GenerateParams{
			PMID:        req.PMID,
			SearchTerm:  req.SearchTerm,
			SearchRanAt: req.SearchRanAt,
			Overwrite:   req.Overwrite,
		})
		if err != nil {
			errorResponse(c, log, err)
			return
		}
		storiesGeneratedCounter.Inc()
		c.JSON(http.StatusCreated, artifact)
	})

	rg.GET("/artifacts", func(c *gin.Context) {
		artifacts, err := curation.Artifacts.ListAll(c.Request.Context())
		if err != nil {
			errorResponse(c, log, err)
			return
		}
		c.JSON(http.StatusOK, artifacts)
	})

	rg.GET("/artifacts/:pmid", func(c *gin.Context) {
		artifact, err := curation.Review(c.Request.Context(), c.Param("pmid"))
		if err != nil {
			errorResponse(c, log, err)
			return
		}
		c.JSON(http.StatusOK, artifact)
	})

	rg.POST("/artifacts/:pmid/publish", func(c *gin.Context) {
		var req struct {
			Rank int `json:"rank"`
		}
		// Body ist optional, ohne Rank wird hinten angehängt.
		_ = c.ShouldBindJSON(&req)

		if err := curation.Publish(c.Request.Context(), c.Param("pmid"), req.Rank); err != nil {
			errorResponse(c, log, err)
			return
		}
		artifactsPublishedCounter.Inc()
		c.JSON(http.StatusOK, gin.H{"message": "published"})
	})

	rg.POST("/artifacts/:pmid/unpublish", func(c *gin.Context) {
		if err := curation.Unpublish(c.Request.Context(), c.Param("pmid")); err != nil {
			errorResponse(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "unpublished"})
	})

	rg.POST("/artifacts/:pmid/reorder", func(c *gin.Context) {
		var req struct {
			Rank int `json:"rank" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. 'rank' field is required."})
			return
		}

		if err := curation.Reorder(c.Request.Context(), c.Param("pmid"), req.Rank); err != nil {
			errorResponse(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "reordered"})
	})
}

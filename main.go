package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/basetenlabs/avatar-generation-app-tutorial/config"
	"github.com/basetenlabs/avatar-generation-app-tutorial/handlers"
	"github.com/basetenlabs/avatar-generation-app-tutorial/k8s"
	"github.com/basetenlabs/avatar-generation-app-tutorial/lock"
	"github.com/basetenlabs/avatar-generation-app-tutorial/logger"
	"github.com/basetenlabs/avatar-generation-app-tutorial/middleware"
	"github.com/basetenlabs/avatar-generation-app-tutorial/monitor"
	"github.com/basetenlabs/avatar-generation-app-tutorial/orchestrator"
	"github.com/basetenlabs/avatar-generation-app-tutorial/platform"
	"github.com/basetenlabs/avatar-generation-app-tutorial/repository"
	"github.com/basetenlabs/avatar-generation-app-tutorial/storage"
)

func main() {
	monitorInterval := flag.Duration("monitor-interval", 30*time.Second, "How often the run monitor polls tracked runs (0 disables it)")
	flag.Parse()

	cfg, err := config.New()
	if err != nil {
		// Logger isn't up yet; fall back to stderr.
		os.Stderr.WriteString("failed to initialize configuration: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer cfg.Close()

	log, err := logger.New(cfg.Mode)
	if err != nil {
		os.Stderr.WriteString("failed to initialize logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting avatar fine-tuning backend", "mode", cfg.Mode, "platform_driver", cfg.Platform.Driver)

	repo := repository.NewUserRecordRepo(cfg.DB, log)

	var locks orchestrator.UserLocker
	if cfg.Redis != nil {
		locks = lock.NewRedisLocker(cfg.Redis, 0, log)
		log.Info("Using redis user locking", "addr", cfg.RedisAddr)
	} else {
		locks = lock.NewMemoryLocker()
		log.Warn("REDIS_ADDR not set, using in-process user locking (single replica only)")
	}

	var trainingPlatform orchestrator.TrainingPlatform
	switch cfg.Platform.Driver {
	case config.PlatformDriverKubernetes:
		clientset, err := k8s.NewClientset(cfg.Platform.Kubeconfig)
		if err != nil {
			log.Fatal("Failed to initialize kubernetes client", "error", err)
		}
		trainingPlatform = k8s.NewPlatform(clientset, cfg.Platform, log)
	default:
		trainingPlatform = platform.NewClient(cfg.Platform, log)
	}

	orch := orchestrator.New(repo, trainingPlatform, locks, log)

	var datasets *storage.DatasetStore
	if cfg.Storage.Endpoint != "" {
		datasets, err = storage.NewDatasetStore(cfg.Storage, log)
		if err != nil {
			log.Fatal("Failed to initialize dataset store", "error", err)
		}
	} else {
		log.Warn("STORAGE_ENDPOINT not set, dataset upload endpoint disabled")
	}

	handler := handlers.NewHandler(orch, datasets, log)

	if cfg.Mode == "prod" || cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORSMiddleware(cfg.AllowedOrigin))

	// Health check (no auth required)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	// API routes
	api := router.Group("/api/v1")
	api.Use(middleware.APIKeyMiddleware(cfg.APIKey))
	{
		users := api.Group("/users")
		{
			users.POST("/:user_id/reset", handler.ResetUser)
			users.GET("/:user_id", handler.GetUserData)
			users.GET("/:user_id/model/health", handler.GetModelHealth)
			users.POST("/:user_id/runs", handler.SubmitRun)
		}

		runs := api.Group("/runs")
		{
			runs.POST("/:run_id/invoke", handler.InvokeModel)
		}

		api.POST("/datasets", handler.UploadDataset)
	}

	var runMonitor *monitor.RunMonitor
	if *monitorInterval > 0 {
		runMonitor = monitor.NewRunMonitor(repo, trainingPlatform, *monitorInterval, log)
		runMonitor.Start()
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("Starting server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	if runMonitor != nil {
		runMonitor.Stop()
	}

	log.Info("Server stopped gracefully")
}

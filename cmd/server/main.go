package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yinshiyionly/jianying-draft/internal/config"
	apphttp "github.com/yinshiyionly/jianying-draft/internal/http"
	"github.com/yinshiyionly/jianying-draft/internal/registry"
	"github.com/yinshiyionly/jianying-draft/internal/repository/sqlite"
	"github.com/yinshiyionly/jianying-draft/internal/service"
	"github.com/yinshiyionly/jianying-draft/internal/transfer"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	taskRepo := sqlite.NewTaskRepository(db)
	if err := taskRepo.Init(ctx); err != nil {
		logger.Fatalf("init task repository: %v", err)
	}

	reg := registry.New(taskRepo, logger)
	if err := reg.Load(ctx); err != nil {
		logger.Fatalf("load task registry: %v", err)
	}

	engine := transfer.NewEngine(transfer.Config{
		ChunkSize:      cfg.Download.ChunkSize,
		ReportInterval: cfg.Download.ReportInterval,
		Logger:         logger,
	})

	downloads := service.NewDownloadService(service.Config{
		DownloadDir: cfg.Download.Dir,
		SpeedWindow: cfg.Download.SpeedWindow,
		Logger:      logger,
	}, reg, engine)

	if err := downloads.Start(ctx); err != nil {
		logger.Fatalf("start download service: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(downloads)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	downloads.Shutdown()

	logger.Info("bye")
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jutjub/internal/api"
	"jutjub/internal/config"
	"jutjub/internal/database"
	"jutjub/internal/logging"
	"jutjub/internal/middleware"
	"jutjub/internal/migrations"
	"jutjub/internal/observability"
	"jutjub/internal/repository"
	"jutjub/internal/repository/memory"
	"jutjub/internal/repository/postgres"
	"jutjub/internal/service"
	"jutjub/internal/storage"
	"jutjub/internal/storage/local"
	"jutjub/internal/storage/s3"
	"jutjub/internal/thumbnail"
	"jutjub/internal/upload"

	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "jutjub: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("配置加载完成，开始启动服务",
		zap.String("catalog_backend", cfg.CatalogBackend),
		zap.String("storage_driver", cfg.StorageDriver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := observability.InitTracerProvider(cfg.TracingEnabled, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		observability.ShutdownTracerProvider(shutdownCtx, tp, logger)
	}()

	repo, db, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	pool := upload.NewPool(cfg.UploadWorkers, logger)
	pipeline := upload.New(store, pool, upload.Config{
		MaxVideoSize:     cfg.MaxVideoSizeBytes(),
		MaxThumbnailSize: cfg.MaxThumbnailSizeBytes(),
		Timeout:          cfg.UploadTimeout(),
		VideoTypes:       cfg.AllowedVideoTypes,
		ImageTypes:       cfg.AllowedImageTypes,
	}, logger)
	thumbs := thumbnail.New(store, cfg.ThumbnailCacheDir, cfg.ThumbnailWidth, logger)
	videoService := service.NewVideoService(repo, pipeline, store, thumbs, logger)

	deps := api.Deps{Logger: logger}
	if cfg.AuthEnabled {
		auth, err := middleware.NewAuthenticator(middleware.AuthConfig{
			APIKeys:   cfg.APIKeys,
			JWTSecret: cfg.JWTSecret,
			JWKSURL:   cfg.JWKSURL,
		}, logger)
		if err != nil {
			return fmt.Errorf("初始化鉴权失败: %w", err)
		}
		defer auth.Close()
		deps.Authenticator = auth
	}

	maxBody := cfg.MaxVideoSizeBytes() + cfg.MaxThumbnailSizeBytes()
	router := api.NewRouter(cfg, api.NewVideoHandler(videoService, maxBody, logger), deps)

	// 上传可能持续到 UploadTimeout，写超时不能短于它。
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.UploadTimeout(),
		WriteTimeout:      cfg.UploadTimeout() + time.Minute,
		IdleTimeout:       120 * time.Second,
		Handler:           router,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("服务监听端口", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("监听失败: %w", err)
		}
	case <-ctx.Done():
		logger.Info("收到退出信号，开始优雅关闭")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.UploadShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP 优雅关闭失败", zap.Error(err))
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("上传写入未能在宽限期内完成，已强制取消", zap.Error(err))
	}

	logger.Info("服务已停止")
	return nil
}

func openCatalog(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.VideoRepository, *sql.DB, error) {
	if cfg.CatalogBackend == "memory" {
		logger.Warn("使用内存目录，重启后数据丢失")
		return memory.NewVideoRepository(), nil, nil
	}

	if cfg.MigrateOnStart {
		if err := migrations.Apply(ctx, cfg.PostgresDSN(), logger); err != nil {
			return nil, nil, fmt.Errorf("执行迁移失败: %w", err)
		}
	}

	db, err := database.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	return postgres.NewVideoRepository(db), db, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StorageDriver {
	case "local", "":
		return local.New(cfg.UploadDir, ""), nil
	case "s3":
		store, err := s3.New(ctx, s3.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化 S3 存储失败: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("不支持的 STORAGE_DRIVER: %s", cfg.StorageDriver)
	}
}

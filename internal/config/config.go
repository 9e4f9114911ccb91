package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 聚合服务启动需要的关键配置。
type Config struct {
	HTTPPort           string
	LogLevel           string
	LogDevelopment     bool
	CORSAllowedOrigins []string
	CORSAllowedHeaders []string // 为空时使用中间件默认值
	CORSAllowCreds     bool
	CORSMaxAge         time.Duration
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	UploadRateLimit    int // 每个 IP 每分钟允许的上传次数
	// 上传配置
	UploadDir            string
	VideoMaxSizeMB       int
	ThumbnailMaxSizeMB   int
	UploadTimeoutMinutes int
	UploadWorkers        int
	UploadShutdownGrace  time.Duration
	AllowedVideoTypes    []string
	AllowedImageTypes    []string
	ThumbnailCacheDir    string
	ThumbnailWidth       int
	MigrateOnStart       bool
	TracingEnabled       bool
	CatalogBackend       string // "postgres" 或 "memory"
	DBHost               string
	DBPort               int
	DBUser               string
	DBPassword           string
	DBName               string
	DBSSLMode            string
	// 鉴权配置
	AuthEnabled bool     // 是否对写操作启用鉴权
	APIKeys     []string // 有效的 API Keys 列表
	JWTSecret   string   // HMAC 签名密钥
	JWKSURL     string   // 非对称签名的公钥地址，可为空
	// 存储配置
	StorageDriver string // "local" 或 "s3"
	S3Endpoint    string // S3/MinIO 端点，不含协议
	S3AccessKey   string
	S3SecretKey   string
	S3Bucket      string
	S3Region      string
	S3UseSSL      bool // 是否使用 HTTPS
	S3PathStyle   bool // 是否使用路径风格访问（MinIO 需要设为 true）
}

var (
	defaultVideoTypes = []string{"video/mp4", "video/webm", "video/ogg", "video/quicktime", "video/x-msvideo"}
	defaultImageTypes = []string{"image/jpeg", "image/jpg", "image/png", "image/gif"}
)

// Load 从环境变量加载配置，并提供默认值。存在 .env 文件时先加载它。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("加载 .env 失败: %w", err)
	}

	port := envOrDefault("PORT", "8080")

	uploadDir := envOrDefault("UPLOAD_DIR", "./uploads")
	if err := ensureDir(uploadDir); err != nil {
		return nil, fmt.Errorf("确保上传目录失败: %w", err)
	}

	cacheDir := envOrDefault("THUMBNAIL_CACHE_DIR", "./cache/thumbnails")
	if err := ensureDir(cacheDir); err != nil {
		return nil, fmt.Errorf("确保缩略图缓存目录失败: %w", err)
	}

	corsOrigins := parseList(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:4200"}
	}

	corsMaxAge, err := parseDurationEnv("CORS_MAX_AGE", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	rateLimitRequests, err := parseIntEnv("RATE_LIMIT_REQUESTS", 120)
	if err != nil {
		return nil, err
	}

	rateLimitWindow, err := parseDurationEnv("RATE_LIMIT_WINDOW", time.Minute)
	if err != nil {
		return nil, err
	}

	uploadRateLimit, err := parseIntEnv("UPLOAD_RATE_LIMIT", 10)
	if err != nil {
		return nil, err
	}

	videoMaxSize, err := parseIntEnv("UPLOAD_VIDEO_MAX_SIZE_MB", 200)
	if err != nil {
		return nil, err
	}

	thumbMaxSize, err := parseIntEnv("UPLOAD_THUMBNAIL_MAX_SIZE_MB", 10)
	if err != nil {
		return nil, err
	}

	uploadTimeout, err := parseIntEnv("UPLOAD_TIMEOUT_MINUTES", 30)
	if err != nil {
		return nil, err
	}

	uploadWorkers, err := parseIntEnv("UPLOAD_WORKERS", 4)
	if err != nil {
		return nil, err
	}

	shutdownGrace, err := parseDurationEnv("UPLOAD_SHUTDOWN_GRACE", time.Minute)
	if err != nil {
		return nil, err
	}

	thumbWidth, err := parseIntEnv("THUMBNAIL_WIDTH", 320)
	if err != nil {
		return nil, err
	}

	dbPort, err := parseIntEnv("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}

	videoTypes := parseList(strings.ToLower(os.Getenv("UPLOAD_VIDEO_TYPES")))
	if len(videoTypes) == 0 {
		videoTypes = defaultVideoTypes
	}
	imageTypes := parseList(strings.ToLower(os.Getenv("UPLOAD_IMAGE_TYPES")))
	if len(imageTypes) == 0 {
		imageTypes = defaultImageTypes
	}

	// 鉴权配置
	authEnabled := parseBoolEnv("AUTH_ENABLED", true)
	apiKeys := parseList(os.Getenv("API_KEYS"))
	if len(apiKeys) == 0 {
		// 开发环境默认 key
		apiKeys = []string{"dev-api-key-123456"}
	}

	backend := strings.ToLower(envOrDefault("CATALOG_BACKEND", "postgres"))
	if backend != "postgres" && backend != "memory" {
		return nil, fmt.Errorf("不支持的 CATALOG_BACKEND: %s", backend)
	}

	return &Config{
		HTTPPort:             port,
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
		LogDevelopment:       parseBoolEnv("LOG_DEVELOPMENT", false),
		CORSAllowedOrigins:   corsOrigins,
		CORSAllowedHeaders:   parseList(os.Getenv("CORS_ALLOWED_HEADERS")),
		CORSAllowCreds:       parseBoolEnv("CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAge:           corsMaxAge,
		RateLimitRequests:    rateLimitRequests,
		RateLimitWindow:      rateLimitWindow,
		UploadRateLimit:      uploadRateLimit,
		UploadDir:            uploadDir,
		VideoMaxSizeMB:       videoMaxSize,
		ThumbnailMaxSizeMB:   thumbMaxSize,
		UploadTimeoutMinutes: uploadTimeout,
		UploadWorkers:        uploadWorkers,
		UploadShutdownGrace:  shutdownGrace,
		AllowedVideoTypes:    videoTypes,
		AllowedImageTypes:    imageTypes,
		ThumbnailCacheDir:    cacheDir,
		ThumbnailWidth:       thumbWidth,
		MigrateOnStart:       parseBoolEnv("MIGRATE_ON_START", false),
		TracingEnabled:       parseBoolEnv("TRACING_ENABLED", false),
		CatalogBackend:       backend,
		DBHost:               envOrDefault("DB_HOST", "127.0.0.1"),
		DBPort:               dbPort,
		DBUser:               envOrDefault("DB_USER", "jutjub"),
		DBPassword:           envOrDefault("DB_PASSWORD", "jutjub"),
		DBName:               envOrDefault("DB_NAME", "jutjub"),
		DBSSLMode:            envOrDefault("DB_SSL_MODE", "disable"),
		AuthEnabled:          authEnabled,
		APIKeys:              apiKeys,
		JWTSecret:            os.Getenv("JWT_SECRET"),
		JWKSURL:              os.Getenv("JWKS_URL"),
		StorageDriver:        strings.ToLower(envOrDefault("STORAGE_DRIVER", "local")),
		S3Endpoint:           envOrDefault("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:          envOrDefault("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:          envOrDefault("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:             envOrDefault("S3_BUCKET", "jutjub"),
		S3Region:             envOrDefault("S3_REGION", "us-east-1"),
		S3UseSSL:             parseBoolEnv("S3_USE_SSL", false),
		S3PathStyle:          parseBoolEnv("S3_PATH_STYLE", true),
	}, nil
}

// MaxVideoSizeBytes 返回视频大小上限（字节）。
func (c *Config) MaxVideoSizeBytes() int64 {
	return int64(c.VideoMaxSizeMB) * 1024 * 1024
}

// MaxThumbnailSizeBytes 返回缩略图大小上限（字节）。
func (c *Config) MaxThumbnailSizeBytes() int64 {
	return int64(c.ThumbnailMaxSizeMB) * 1024 * 1024
}

// UploadTimeout 返回单次视频写入的时间预算。
func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.UploadTimeoutMinutes) * time.Minute
}

func ensureDir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("路径 %s 已存在但不是目录", path)
		}
		return nil
	}

	if os.IsNotExist(err) {
		return os.MkdirAll(path, 0o755)
	}

	return err
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}

	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

func parseBoolEnv(key string, defaultValue bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	lower := strings.ToLower(raw)
	return lower == "true" || lower == "1" || lower == "yes"
}

// PostgresDSN 生成标准 postgres:// 连接串，供数据访问层直接使用。
func (c *Config) PostgresDSN() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   c.DBName,
	}

	q := url.Values{}
	if c.DBSSLMode != "" {
		q.Set("sslmode", c.DBSSLMode)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func envOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

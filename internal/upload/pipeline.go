// Package upload 把请求中的视频与缩略图写入文件存储。
//
// 视频在有界 worker 池中写入，调用方最多等待 Config.Timeout；写入完成后检查
// 文件存在且非空。任何失败分支在返回错误之前都会删除目标文件。
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"slices"
	"strings"
	"time"

	"jutjub/internal/apperr"
	"jutjub/internal/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Category 是文件的内容类别。
type Category string

const (
	CategoryVideo     Category = "video"
	CategoryThumbnail Category = "thumbnail"
)

// FileState 是受管文件的生命周期状态。
type FileState string

const (
	StatePending   FileState = "pending"
	StateCommitted FileState = "committed"
	StateOrphaned  FileState = "orphaned"
)

// StoredFile 描述已写入并通过校验的文件。
type StoredFile struct {
	Key      string
	Category Category
	Size     int64
	State    FileState
}

// Commit 标记文件已被目录记录引用。
func (f *StoredFile) Commit() {
	if f != nil {
		f.State = StateCommitted
	}
}

// Input 是一次上传的输入。Size 为声明大小，小于 0 表示未知。
type Input struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Config 控制大小、类型与时间限制。
type Config struct {
	MaxVideoSize     int64
	MaxThumbnailSize int64
	Timeout          time.Duration
	VideoTypes       []string
	ImageTypes       []string
}

// Stats 是上传子系统当前配置与负载的快照。
type Stats struct {
	MaxVideoSize      int64    `json:"max_video_size_bytes"`
	MaxThumbnailSize  int64    `json:"max_thumbnail_size_bytes"`
	TimeoutSeconds    int64    `json:"timeout_seconds"`
	Workers           int      `json:"workers"`
	InFlight          int64    `json:"in_flight"`
	AllowedVideoTypes []string `json:"allowed_video_types"`
	AllowedImageTypes []string `json:"allowed_image_types"`
}

// Pipeline 负责视频与缩略图的存储。
type Pipeline struct {
	store  storage.Store
	pool   *Pool
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

const cleanupTimeout = 10 * time.Second

var errTooLarge = errors.New("upload exceeds size limit")

// Option 调整 Pipeline 的可选行为。
type Option func(*Pipeline)

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New 创建上传流水线。
func New(store storage.Store, pool *Pool, cfg Config, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	p := &Pipeline{
		store:  store,
		pool:   pool,
		cfg:    cfg,
		logger: logger.Named("upload"),
		tracer: otel.Tracer("jutjub/upload"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StoreVideo 依次执行大小检查、格式检查、唯一命名、有界写入与写后校验。
func (p *Pipeline) StoreVideo(ctx context.Context, in Input) (_ *StoredFile, err error) {
	const op = "upload.StoreVideo"
	start := p.now()

	ctx, span := p.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("upload.content_type", in.ContentType),
		attribute.Int64("upload.declared_size", in.Size),
	))
	defer func() { p.finish(span, CategoryVideo, start, err) }()

	if in.Body == nil || in.Size == 0 {
		return nil, apperr.Validation(op, "video file is required")
	}
	if in.Size > p.cfg.MaxVideoSize {
		return nil, apperr.New(apperr.KindPayloadTooLarge, op,
			fmt.Sprintf("video exceeds maximum size of %d MB", p.cfg.MaxVideoSize/(1024*1024)))
	}
	contentType := normalizeContentType(in.ContentType)
	if !slices.Contains(p.cfg.VideoTypes, contentType) {
		return nil, apperr.New(apperr.KindUnsupportedFormat, op,
			"unsupported video format, allowed: "+strings.Join(p.cfg.VideoTypes, ", "))
	}

	key := videoKey(in.Filename, contentType, start)
	span.SetAttributes(attribute.String("upload.key", key))
	log := p.logger.With(zap.String("key", key), zap.Int64("declared_size", in.Size))

	wctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	body := &limitedReader{r: in.Body, remaining: p.cfg.MaxVideoSize}
	done, err := p.pool.Submit(wctx, func(tctx context.Context) error {
		uploadWritesInFlight.Inc()
		defer uploadWritesInFlight.Dec()
		_, werr := p.store.Write(tctx, key, body)
		if body.exceeded {
			return errTooLarge
		}
		return werr
	})
	if err != nil {
		// 尚未开始写入，没有需要清理的文件
		return nil, p.waitError(op, ctx, wctx, err)
	}

	select {
	case werr := <-done:
		if werr != nil {
			p.cleanup(ctx, key, "write_failed")
			log.Warn("video write failed", zap.Error(werr))
			return nil, p.writeError(op, ctx, wctx, werr)
		}
	case <-wctx.Done():
		select {
		case werr := <-done:
			// 与超时同时完成的写入按正常结果处理
			if werr != nil {
				p.cleanup(ctx, key, "write_failed")
				return nil, p.writeError(op, ctx, wctx, werr)
			}
		default:
			p.cleanup(ctx, key, "timeout")
			go p.reapAfter(ctx, done, key)
			log.Warn("video write did not finish in time", zap.Duration("timeout", p.cfg.Timeout))
			return nil, p.waitError(op, ctx, wctx, wctx.Err())
		}
	}

	size, err := p.verify(ctx, op, key, CategoryVideo)
	if err != nil {
		return nil, err
	}
	p.inspectSignature(ctx, key, contentType, size, log)

	log.Info("video stored", zap.Int64("size", size), zap.Duration("elapsed", p.now().Sub(start)))
	uploadBytes.WithLabelValues(string(CategoryVideo)).Add(float64(size))
	return &StoredFile{Key: key, Category: CategoryVideo, Size: size, State: StatePending}, nil
}

// StoreThumbnail 同步写入缩略图，内容类型与扩展名必须同时在白名单内且相互一致。
func (p *Pipeline) StoreThumbnail(ctx context.Context, in Input) (_ *StoredFile, err error) {
	const op = "upload.StoreThumbnail"
	start := p.now()

	ctx, span := p.tracer.Start(ctx, op)
	defer func() { p.finish(span, CategoryThumbnail, start, err) }()

	if in.Body == nil || in.Size == 0 {
		return nil, apperr.Validation(op, "thumbnail file is empty")
	}
	if in.Size > p.cfg.MaxThumbnailSize {
		return nil, apperr.New(apperr.KindPayloadTooLarge, op,
			fmt.Sprintf("thumbnail exceeds maximum size of %d MB", p.cfg.MaxThumbnailSize/(1024*1024)))
	}

	contentType := normalizeContentType(in.ContentType)
	ext := strings.ToLower(path.Ext(in.Filename))
	if !slices.Contains(p.cfg.ImageTypes, contentType) || !imageExtMatches(contentType, ext) {
		return nil, apperr.New(apperr.KindUnsupportedFormat, op,
			"unsupported thumbnail format, allowed: jpg, jpeg, png, gif")
	}

	key := thumbnailKey(in.Filename, contentType, start)
	body := &limitedReader{r: in.Body, remaining: p.cfg.MaxThumbnailSize}
	if _, err := p.store.Write(ctx, key, body); err != nil || body.exceeded {
		p.cleanup(ctx, key, "write_failed")
		if body.exceeded {
			return nil, apperr.New(apperr.KindPayloadTooLarge, op, "thumbnail exceeds maximum size")
		}
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.KindInternal, op, "upload cancelled", err)
		}
		return nil, apperr.Wrap(apperr.KindStorageBackend, op, "failed to store thumbnail", err)
	}

	size, err := p.verify(ctx, op, key, CategoryThumbnail)
	if err != nil {
		return nil, err
	}
	uploadBytes.WithLabelValues(string(CategoryThumbnail)).Add(float64(size))
	return &StoredFile{Key: key, Category: CategoryThumbnail, Size: size, State: StatePending}, nil
}

// Discard 删除尚未被目录记录引用的文件，并将其标记为 orphaned。
func (p *Pipeline) Discard(ctx context.Context, f *StoredFile) error {
	if f == nil || f.State == StateCommitted {
		return nil
	}
	f.State = StateOrphaned
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := p.store.Delete(ctx, f.Key); err != nil {
		p.logger.Error("discard orphaned file", zap.String("key", f.Key), zap.Error(err))
		return err
	}
	uploadCleanups.WithLabelValues("orphaned").Inc()
	p.logger.Info("orphaned file discarded", zap.String("key", f.Key), zap.String("category", string(f.Category)))
	return nil
}

// Remove 删除已提交文件，用于删除目录记录之后。文件不存在不视为错误。
func (p *Pipeline) Remove(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	return p.store.Delete(ctx, key)
}

// Stats 返回当前配置与负载。
func (p *Pipeline) Stats() Stats {
	return Stats{
		MaxVideoSize:      p.cfg.MaxVideoSize,
		MaxThumbnailSize:  p.cfg.MaxThumbnailSize,
		TimeoutSeconds:    int64(p.cfg.Timeout / time.Second),
		Workers:           p.pool.Size(),
		InFlight:          p.pool.InFlight(),
		AllowedVideoTypes: slices.Clone(p.cfg.VideoTypes),
		AllowedImageTypes: slices.Clone(p.cfg.ImageTypes),
	}
}

func (p *Pipeline) verify(ctx context.Context, op, key string, category Category) (int64, error) {
	info, err := p.store.Stat(ctx, key)
	if err == nil && info.Size > 0 {
		return info.Size, nil
	}
	p.cleanup(ctx, key, "verification_failed")
	p.logger.Error("post-write verification failed",
		zap.String("key", key),
		zap.String("category", string(category)),
		zap.Int64("size", info.Size),
		zap.Error(err),
	)
	if err != nil && !errors.Is(err, storage.ErrNotExist) {
		return 0, apperr.Wrap(apperr.KindVerificationFailed, op, "stored file could not be verified", err)
	}
	return 0, apperr.New(apperr.KindVerificationFailed, op, "stored file is empty or missing")
}

func (p *Pipeline) inspectSignature(ctx context.Context, key, contentType string, size int64, log *zap.Logger) {
	if size < smallVideoThreshold {
		log.Warn("video file is unusually small", zap.Int64("size", size))
	}
	head, err := storage.ReadHead(ctx, p.store, key, signatureHeadSize)
	if err != nil {
		log.Warn("could not read video header", zap.Error(err))
		return
	}
	if !signatureMatches(contentType, head) {
		log.Warn("video header does not match declared format",
			zap.String("content_type", contentType),
			zap.Binary("head", head),
		)
	}
}

// cleanup 删除目标文件，不受调用方 ctx 取消影响。
func (p *Pipeline) cleanup(ctx context.Context, key, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := p.store.Delete(ctx, key); err != nil {
		p.logger.Error("cleanup failed", zap.String("key", key), zap.String("reason", reason), zap.Error(err))
		return
	}
	uploadCleanups.WithLabelValues(reason).Inc()
}

// reapAfter 在被放弃的 worker 真正退出后再次检查目标路径，
// 处理写入与清理之间的竞争。
func (p *Pipeline) reapAfter(ctx context.Context, done <-chan error, key string) {
	werr := <-done
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	info, err := p.store.Stat(ctx, key)
	if errors.Is(err, storage.ErrNotExist) {
		return
	}
	p.logger.Warn("abandoned write left a file behind, removing",
		zap.String("key", key),
		zap.Int64("size", info.Size),
		zap.NamedError("write_error", werr),
	)
	p.cleanup(ctx, key, "late_write")
}

func (p *Pipeline) waitError(op string, parent, wctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrPoolClosed):
		return apperr.Wrap(apperr.KindInternal, op, "upload service is shutting down", err)
	case parent.Err() != nil:
		return apperr.Wrap(apperr.KindInternal, op, "upload cancelled", err)
	case errors.Is(wctx.Err(), context.DeadlineExceeded):
		return apperr.Wrap(apperr.KindUploadTimeout, op,
			fmt.Sprintf("upload timed out after %s", p.cfg.Timeout), err)
	default:
		return apperr.Wrap(apperr.KindInternal, op, "upload failed", err)
	}
}

func (p *Pipeline) writeError(op string, parent, wctx context.Context, err error) error {
	switch {
	case errors.Is(err, errTooLarge):
		return apperr.New(apperr.KindPayloadTooLarge, op,
			fmt.Sprintf("video exceeds maximum size of %d MB", p.cfg.MaxVideoSize/(1024*1024)))
	case parent.Err() != nil || wctx.Err() != nil:
		return p.waitError(op, parent, wctx, err)
	default:
		return apperr.Wrap(apperr.KindStorageBackend, op, "failed to store video", err)
	}
}

func (p *Pipeline) finish(span trace.Span, category Category, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(apperr.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	uploadsTotal.WithLabelValues(string(category), outcome).Inc()
	uploadDuration.WithLabelValues(string(category)).Observe(p.now().Sub(start).Seconds())
	span.End()
}

func normalizeContentType(raw string) string {
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	return mediaType
}

func imageExtMatches(contentType, ext string) bool {
	switch contentType {
	case "image/jpeg", "image/jpg":
		return ext == ".jpg" || ext == ".jpeg"
	case "image/png":
		return ext == ".png"
	case "image/gif":
		return ext == ".gif"
	}
	return false
}

// limitedReader 在读取量超过上限时报错，防止声明大小与实际内容不符。
type limitedReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (l *limitedReader) Read(b []byte) (int, error) {
	if l.remaining < 0 {
		l.exceeded = true
		return 0, errTooLarge
	}
	if int64(len(b)) > l.remaining+1 {
		b = b[:l.remaining+1]
	}
	n, err := l.r.Read(b)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		l.exceeded = true
		return n, errTooLarge
	}
	return n, err
}

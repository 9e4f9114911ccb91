package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"jutjub/internal/apperr"
	"jutjub/internal/repository"
	"jutjub/internal/storage"
	"jutjub/internal/upload"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 2000
	maxLocationLength    = 255
	maxTags              = 30

	defaultPageSize = 10
	maxPageSize     = 100
)

// Uploader 是目录服务使用的上传流水线能力。
type Uploader interface {
	StoreVideo(ctx context.Context, in upload.Input) (*upload.StoredFile, error)
	StoreThumbnail(ctx context.Context, in upload.Input) (*upload.StoredFile, error)
	Discard(ctx context.Context, f *upload.StoredFile) error
	Remove(ctx context.Context, key string) error
	Stats() upload.Stats
}

// ThumbnailCache 提供缩放后的缩略图。
type ThumbnailCache interface {
	Get(ctx context.Context, id, key string) (io.ReadCloser, string, error)
	Evict(id string) error
}

// VideoService 编排上传流水线与视频目录。
type VideoService struct {
	repo    repository.VideoRepository
	uploads Uploader
	files   storage.Reader
	thumbs  ThumbnailCache
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewVideoService 创建目录服务。thumbs 可以为 nil，此时直接返回原始缩略图。
func NewVideoService(repo repository.VideoRepository, uploads Uploader, files storage.Reader, thumbs ThumbnailCache, logger *zap.Logger) *VideoService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VideoService{
		repo:    repo,
		uploads: uploads,
		files:   files,
		thumbs:  thumbs,
		logger:  logger.Named("catalog"),
		tracer:  otel.Tracer("jutjub/service"),
		now:     time.Now,
	}
}

// CreateVideoInput 描述一次视频发布。
type CreateVideoInput struct {
	Title       string
	Description string
	Tags        []string
	Location    *string
	Video       upload.Input
	Thumbnail   *upload.Input
}

// UpdateVideoInput 只包含可修改的元数据。
type UpdateVideoInput struct {
	Title       string
	Description string
	Tags        []string
	Location    *string
}

// ListQuery 描述分页检索条件，Page 从 0 开始。
type ListQuery struct {
	Page     int
	Size     int
	Sort     repository.VideoSort
	Keyword  string
	Tag      string
	Location string
}

// Page 是分页结果。
type Page struct {
	Items      []repository.VideoRecord `json:"items"`
	Page       int                      `json:"page"`
	Size       int                      `json:"size"`
	Total      int64                    `json:"total"`
	TotalPages int                      `json:"total_pages"`
}

// SimulationResult 汇总一次并发浏览模拟。
type SimulationResult struct {
	InitialViews    int64 `json:"initial_views"`
	FinalViews      int64 `json:"final_views"`
	Expected        int64 `json:"expected_increment"`
	Actual          int64 `json:"actual_increment"`
	Succeeded       int64 `json:"successful_increments"`
	Failed          int64 `json:"failed_increments"`
	DurationMs      int64 `json:"duration_ms"`
	LostUpdatesSeen bool  `json:"lost_updates"`
}

// CreateVideoPost 先写入视频与可选缩略图，再持久化目录记录。
// 记录写入失败时删除已写入的文件作为补偿。
func (s *VideoService) CreateVideoPost(ctx context.Context, in CreateVideoInput) (_ *repository.VideoRecord, err error) {
	const op = "catalog.CreateVideoPost"
	if s == nil || s.repo == nil || s.uploads == nil {
		return nil, apperr.New(apperr.KindInternal, op, "video service not initialized")
	}

	ctx, span := s.tracer.Start(ctx, op)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(apperr.KindOf(err)))
		}
		span.End()
	}()

	meta, err := normalizeMetadata(op, in.Title, in.Description, in.Tags, in.Location)
	if err != nil {
		return nil, err
	}

	start := s.now()
	video, err := s.uploads.StoreVideo(ctx, in.Video)
	if err != nil {
		return nil, err
	}

	var thumb *upload.StoredFile
	if in.Thumbnail != nil {
		thumb, err = s.uploads.StoreThumbnail(ctx, *in.Thumbnail)
		if err != nil {
			s.compensate(ctx, video)
			return nil, err
		}
	}

	createdAt := s.now().UTC()
	record := &repository.VideoRecord{
		ID:               uuid.NewString(),
		Title:            meta.Title,
		Description:      meta.Description,
		Tags:             meta.Tags,
		Location:         meta.Location,
		VideoPath:        video.Key,
		VideoFileSize:    video.Size,
		UploadDurationMs: createdAt.Sub(start).Milliseconds(),
		CreatedAt:        createdAt,
	}
	if thumb != nil {
		key := thumb.Key
		record.ThumbnailPath = &key
	}
	span.SetAttributes(attribute.String("video.id", record.ID))

	created, err := s.repo.Create(ctx, record)
	if err != nil {
		s.logger.Error("persist video post failed, compensating",
			zap.String("id", record.ID),
			zap.String("video_key", video.Key),
			zap.Error(err),
		)
		s.compensate(ctx, video, thumb)
		return nil, apperr.Wrap(apperr.KindStorageBackend, op, "failed to save video post", err)
	}

	video.Commit()
	thumb.Commit()
	s.logger.Info("video post created",
		zap.String("id", created.ID),
		zap.Int64("size", created.VideoFileSize),
		zap.Int64("upload_ms", created.UploadDurationMs),
	)
	return created, nil
}

// GetVideoPost 每次成功读取都计一次浏览：先原子递增，再读取记录。
func (s *VideoService) GetVideoPost(ctx context.Context, id string) (*repository.VideoRecord, error) {
	const op = "catalog.GetVideoPost"
	if _, err := s.IncrementViews(ctx, id); err != nil {
		return nil, err
	}
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, s.translate(op, id, err)
	}
	return rec, nil
}

// LookupVideoPost 读取记录但不计浏览。
func (s *VideoService) LookupVideoPost(ctx context.Context, id string) (*repository.VideoRecord, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, s.translate("catalog.LookupVideoPost", id, err)
	}
	return rec, nil
}

// IncrementViews 原子地把浏览数加一。记录不存在时返回 NotFound。
func (s *VideoService) IncrementViews(ctx context.Context, id string) (int64, error) {
	const op = "catalog.IncrementViews"
	views, err := s.repo.IncrementViews(ctx, id)
	if err != nil {
		return 0, s.translate(op, id, err)
	}
	return views, nil
}

// ViewCount 只读取浏览数，不计入浏览。
func (s *VideoService) ViewCount(ctx context.Context, id string) (int64, error) {
	const op = "catalog.ViewCount"
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return 0, s.translate(op, id, err)
	}
	return rec.ViewsCount, nil
}

func (s *VideoService) LikeVideoPost(ctx context.Context, id string) (int64, error) {
	likes, err := s.repo.AdjustLikes(ctx, id, 1)
	if err != nil {
		return 0, s.translate("catalog.LikeVideoPost", id, err)
	}
	return likes, nil
}

func (s *VideoService) UnlikeVideoPost(ctx context.Context, id string) (int64, error) {
	likes, err := s.repo.AdjustLikes(ctx, id, -1)
	if err != nil {
		return 0, s.translate("catalog.UnlikeVideoPost", id, err)
	}
	return likes, nil
}

// UpdateVideoPost 修改元数据，不影响计数器、文件路径与创建时间。
func (s *VideoService) UpdateVideoPost(ctx context.Context, id string, in UpdateVideoInput) (*repository.VideoRecord, error) {
	const op = "catalog.UpdateVideoPost"
	meta, err := normalizeMetadata(op, in.Title, in.Description, in.Tags, in.Location)
	if err != nil {
		return nil, err
	}
	rec, err := s.repo.Update(ctx, id, repository.VideoUpdate{
		Title:       meta.Title,
		Description: meta.Description,
		Tags:        meta.Tags,
		Location:    meta.Location,
	})
	if err != nil {
		return nil, s.translate(op, id, err)
	}
	return rec, nil
}

// DeleteVideoPost 删除目录记录，然后尽力删除对应文件。
func (s *VideoService) DeleteVideoPost(ctx context.Context, id string) error {
	const op = "catalog.DeleteVideoPost"
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return s.translate(op, id, err)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return s.translate(op, id, err)
	}

	cleanupCtx := context.WithoutCancel(ctx)
	keys := []string{rec.VideoPath}
	if rec.ThumbnailPath != nil {
		keys = append(keys, *rec.ThumbnailPath)
	}
	for _, key := range keys {
		if err := s.uploads.Remove(cleanupCtx, key); err != nil {
			s.logger.Warn("delete stored file failed", zap.String("id", id), zap.String("key", key), zap.Error(err))
		}
	}
	if s.thumbs != nil {
		if err := s.thumbs.Evict(id); err != nil {
			s.logger.Warn("evict thumbnail cache failed", zap.String("id", id), zap.Error(err))
		}
	}
	s.logger.Info("video post deleted", zap.String("id", id))
	return nil
}

// ListVideoPosts 分页检索视频。
func (s *VideoService) ListVideoPosts(ctx context.Context, q ListQuery) (*Page, error) {
	const op = "catalog.ListVideoPosts"
	if q.Page < 0 {
		return nil, apperr.Validation(op, "page must not be negative")
	}
	size := q.Size
	switch {
	case size <= 0:
		size = defaultPageSize
	case size > maxPageSize:
		size = maxPageSize
	}
	if q.Page > (math.MaxInt-1)/size {
		return nil, apperr.Validation(op, "page is out of range")
	}
	sort := q.Sort
	if sort != repository.SortPopular {
		sort = repository.SortRecent
	}

	params := repository.ListVideosParams{
		Keyword:  q.Keyword,
		Tag:      q.Tag,
		Location: q.Location,
		Sort:     sort,
		Limit:    size,
		Offset:   q.Page * size,
	}

	items, err := s.repo.List(ctx, params)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageBackend, op, "failed to list video posts", err)
	}
	total, err := s.repo.Count(ctx, params)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageBackend, op, "failed to count video posts", err)
	}

	return &Page{
		Items:      items,
		Page:       q.Page,
		Size:       size,
		Total:      total,
		TotalPages: int((total + int64(size) - 1) / int64(size)),
	}, nil
}

// OpenVideo 返回视频内容，调用方负责关闭。
func (s *VideoService) OpenVideo(ctx context.Context, id string) (io.ReadCloser, *repository.VideoRecord, error) {
	const op = "catalog.OpenVideo"
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, s.translate(op, id, err)
	}
	rc, err := s.files.Read(ctx, rec.VideoPath)
	if err != nil {
		return nil, nil, s.fileError(op, id, err)
	}
	return rc, rec, nil
}

// OpenThumbnail 返回缩略图内容与内容类型。
func (s *VideoService) OpenThumbnail(ctx context.Context, id string) (io.ReadCloser, string, error) {
	const op = "catalog.OpenThumbnail"
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, "", s.translate(op, id, err)
	}
	if rec.ThumbnailPath == nil {
		return nil, "", apperr.NotFound(op, "video post has no thumbnail")
	}

	if s.thumbs != nil {
		rc, ct, err := s.thumbs.Get(ctx, id, *rec.ThumbnailPath)
		if err != nil {
			return nil, "", s.fileError(op, id, err)
		}
		return rc, ct, nil
	}
	rc, err := s.files.Read(ctx, *rec.ThumbnailPath)
	if err != nil {
		return nil, "", s.fileError(op, id, err)
	}
	return rc, "", nil
}

// UploadStats 返回上传子系统的配置与负载。
func (s *VideoService) UploadStats() upload.Stats {
	return s.uploads.Stats()
}

// SimulateViews 用 workers 个并发调用者各递增 perWorker 次，比较期望与实际增量。
func (s *VideoService) SimulateViews(ctx context.Context, id string, workers, perWorker int) (*SimulationResult, error) {
	const op = "catalog.SimulateViews"
	if workers <= 0 || workers > 100 || perWorker <= 0 || perWorker > 100 {
		return nil, apperr.Validation(op, "threads and viewsPerThread must be between 1 and 100")
	}

	initial, err := s.ViewCount(ctx, id)
	if err != nil {
		return nil, err
	}

	var succeeded, failed atomic.Int64
	start := s.now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for j := 0; j < perWorker; j++ {
				if _, err := s.repo.IncrementViews(gctx, id); err != nil {
					failed.Add(1)
					if errors.Is(err, repository.ErrNotFound) {
						return err
					}
					continue
				}
				succeeded.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, s.translate(op, id, err)
	}

	final, err := s.ViewCount(ctx, id)
	if err != nil {
		return nil, err
	}
	expected := int64(workers * perWorker)
	actual := final - initial
	return &SimulationResult{
		InitialViews:    initial,
		FinalViews:      final,
		Expected:        expected,
		Actual:          actual,
		Succeeded:       succeeded.Load(),
		Failed:          failed.Load(),
		DurationMs:      s.now().Sub(start).Milliseconds(),
		LostUpdatesSeen: actual < succeeded.Load(),
	}, nil
}

func (s *VideoService) compensate(ctx context.Context, files ...*upload.StoredFile) {
	for _, f := range files {
		if f == nil {
			continue
		}
		if err := s.uploads.Discard(ctx, f); err != nil {
			s.logger.Error("compensation failed, file left behind", zap.String("key", f.Key), zap.Error(err))
		}
	}
}

func (s *VideoService) translate(op, id string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound(op, fmt.Sprintf("video post %s not found", id))
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Wrap(apperr.KindStorageBackend, op, "video catalog unavailable", err)
}

func (s *VideoService) fileError(op, id string, err error) error {
	if errors.Is(err, storage.ErrNotExist) {
		s.logger.Error("catalog references a missing file", zap.String("id", id), zap.Error(err))
		return apperr.NotFound(op, "video file not found")
	}
	return apperr.Wrap(apperr.KindStorageBackend, op, "failed to read stored file", err)
}

type metadata struct {
	Title       string
	Description string
	Tags        []string
	Location    *string
}

func normalizeMetadata(op, title, description string, tags []string, location *string) (metadata, error) {
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)

	switch {
	case title == "":
		return metadata{}, apperr.Validation(op, "title is required")
	case utf8.RuneCountInString(title) > maxTitleLength:
		return metadata{}, apperr.Validation(op, fmt.Sprintf("title must not exceed %d characters", maxTitleLength))
	case description == "":
		return metadata{}, apperr.Validation(op, "description is required")
	case utf8.RuneCountInString(description) > maxDescriptionLength:
		return metadata{}, apperr.Validation(op, fmt.Sprintf("description must not exceed %d characters", maxDescriptionLength))
	}

	normalized := repository.NormalizeTags(tags)
	if len(normalized) > maxTags {
		return metadata{}, apperr.Validation(op, fmt.Sprintf("at most %d tags are allowed", maxTags))
	}

	var loc *string
	if location != nil {
		if v := strings.TrimSpace(*location); v != "" {
			if utf8.RuneCountInString(v) > maxLocationLength {
				return metadata{}, apperr.Validation(op, fmt.Sprintf("location must not exceed %d characters", maxLocationLength))
			}
			loc = &v
		}
	}

	return metadata{Title: title, Description: description, Tags: normalized, Location: loc}, nil
}

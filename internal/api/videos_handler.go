package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"jutjub/internal/apperr"
	jjmiddleware "jutjub/internal/middleware"
	"jutjub/internal/repository"
	"jutjub/internal/service"
	"jutjub/internal/upload"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	multipartMemoryBudget int64 = 16 * 1024 * 1024
	maxMetadataBytes      int64 = 64 * 1024

	defaultSimulateWorkers   = 10
	defaultSimulatePerWorker = 5

	maxCommentLength = 1000
)

// VideoHandler 提供视频目录相关的 HTTP 端点。
type VideoHandler struct {
	service      *service.VideoService
	logger       *zap.Logger
	maxBodyBytes int64
}

// NewVideoHandler 创建处理器。maxBodyBytes 是整个上传请求体的上限，
// 单个文件的上限由上传流水线负责。
func NewVideoHandler(s *service.VideoService, maxBodyBytes int64, logger *zap.Logger) *VideoHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VideoHandler{service: s, logger: logger.Named("api"), maxBodyBytes: maxBodyBytes}
}

// RouteGuards 是挂在写操作上的中间件，为 nil 时不启用。
type RouteGuards struct {
	Auth        func(http.Handler) http.Handler
	UploadLimit func(http.Handler) http.Handler
}

func (g RouteGuards) protect(r chi.Router) chi.Router {
	if g.Auth == nil {
		return r
	}
	return r.With(g.Auth)
}

func (h *VideoHandler) RegisterRoutes(r chi.Router, guards RouteGuards) {
	r.Route("/api/video-posts", func(r chi.Router) {
		r.Get("/", h.ListVideoPosts)
		r.Get("/recent", h.listSorted(repository.SortRecent))
		r.Get("/popular", h.listSorted(repository.SortPopular))
		r.Get("/search", h.SearchVideoPosts)
		r.Get("/tag/{tag}", h.ListByTag)
		r.Get("/upload/stats", h.UploadStats)

		r.Get("/{id}", h.GetVideoPost)
		r.Get("/{id}/views", h.GetViewCount)
		r.Get("/{id}/video", h.ServeVideo)
		r.Get("/{id}/thumbnail", h.ServeThumbnail)
		r.Get("/{id}/comments", h.ListComments)

		authed := guards.protect(r)
		uploads := authed
		if guards.UploadLimit != nil {
			uploads = authed.With(guards.UploadLimit)
		}
		uploads.Post("/upload", h.CreateVideoPost)
		authed.Put("/{id}", h.UpdateVideoPost)
		authed.Delete("/{id}", h.DeleteVideoPost)
		authed.Post("/{id}/like", h.LikeVideoPost)
		authed.Delete("/{id}/like", h.UnlikeVideoPost)
		authed.Post("/{id}/comments", h.AddComment)
		authed.Post("/{id}/simulate-views", h.SimulateViews)
	})
}

// metadataPayload 是上传请求中的元数据部分。
type metadataPayload struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Location    *string  `json:"location"`
}

// CreateVideoPost 接受 multipart/form-data 上传：元数据、视频与可选缩略图。
func (h *VideoHandler) CreateVideoPost(w http.ResponseWriter, r *http.Request) {
	const op = "api.CreateVideoPost"
	if r.Body == nil {
		writeError(w, h.logger, apperr.Validation(op, "request body is empty"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes+multipartMemoryBudget)
	defer r.Body.Close()

	if err := r.ParseMultipartForm(multipartMemoryBudget); err != nil {
		if isTooLarge(err) {
			writeError(w, h.logger, apperr.Wrap(apperr.KindPayloadTooLarge, op, "request exceeds size limit", err))
			return
		}
		writeError(w, h.logger, apperr.Wrap(apperr.KindValidation, op, "invalid multipart form", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	meta, err := readMetadata(r)
	if err != nil {
		writeError(w, h.logger, apperr.Wrap(apperr.KindValidation, op, "invalid metadata", err))
		return
	}

	video, closeVideo, err := openPart(r, "video", "videoFile")
	if err != nil {
		writeError(w, h.logger, apperr.Wrap(apperr.KindValidation, op, "invalid video file part", err))
		return
	}
	if video == nil {
		writeError(w, h.logger, apperr.Validation(op, "video file is required"))
		return
	}
	defer closeVideo()

	thumb, closeThumb, err := openPart(r, "thumbnail", "thumbnailFile")
	if err != nil {
		writeError(w, h.logger, apperr.Wrap(apperr.KindValidation, op, "invalid thumbnail file part", err))
		return
	}
	if thumb != nil {
		defer closeThumb()
	}

	record, err := h.service.CreateVideoPost(r.Context(), service.CreateVideoInput{
		Title:       meta.Title,
		Description: meta.Description,
		Tags:        meta.Tags,
		Location:    meta.Location,
		Video:       *video,
		Thumbnail:   thumb,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeData(w, http.StatusCreated, "Video post created successfully", record)
}

// readMetadata 依次尝试 metadata/videoPost 字段（文本或 JSON 文件分片），
// 都没有时读取独立的表单字段。
func readMetadata(r *http.Request) (metadataPayload, error) {
	var meta metadataPayload
	for _, key := range []string{"metadata", "videoPost"} {
		raw := strings.TrimSpace(r.FormValue(key))
		if raw == "" {
			if files := r.MultipartForm.File[key]; len(files) > 0 {
				data, err := readSmallPart(files[0])
				if err != nil {
					return meta, err
				}
				raw = strings.TrimSpace(string(data))
			}
		}
		if raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return meta, err
		}
		return meta, nil
	}

	meta.Title = r.FormValue("title")
	meta.Description = r.FormValue("description")
	meta.Tags = splitTags(r.FormValue("tags"))
	if loc := r.FormValue("location"); strings.TrimSpace(loc) != "" {
		meta.Location = &loc
	}
	return meta, nil
}

func readSmallPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxMetadataBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxMetadataBytes {
		return nil, errors.New("metadata part too large")
	}
	return data, nil
}

// openPart 打开第一个存在的文件字段，字段不存在时返回 nil。
func openPart(r *http.Request, keys ...string) (*upload.Input, func(), error) {
	for _, key := range keys {
		file, header, err := r.FormFile(key)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", key, err)
		}

		size, err := determineFileSize(file, header)
		if err != nil {
			_ = file.Close()
			return nil, nil, err
		}
		contentType, err := resolveMimeType(header, file)
		if err != nil {
			_ = file.Close()
			return nil, nil, err
		}
		closeFn := func() { _ = file.Close() }
		return &upload.Input{
			Filename:    header.Filename,
			ContentType: contentType,
			Size:        size,
			Body:        file,
		}, closeFn, nil
	}
	return nil, func() {}, nil
}

// ListVideoPosts 返回分页列表，支持 page、size、sort、q、tag、location 参数。
func (h *VideoHandler) ListVideoPosts(w http.ResponseWriter, r *http.Request) {
	q, err := listQuery(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.writePage(w, r, q)
}

func (h *VideoHandler) listSorted(sort repository.VideoSort) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := listQuery(r)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		q.Sort = sort
		h.writePage(w, r, q)
	}
}

// SearchVideoPosts 按关键字检索标题、描述、地点与标签。
func (h *VideoHandler) SearchVideoPosts(w http.ResponseWriter, r *http.Request) {
	q, err := listQuery(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if q.Keyword == "" {
		writeError(w, h.logger, apperr.Validation("api.SearchVideoPosts", "keyword is required"))
		return
	}
	h.writePage(w, r, q)
}

func (h *VideoHandler) ListByTag(w http.ResponseWriter, r *http.Request) {
	q, err := listQuery(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	q.Tag = chi.URLParam(r, "tag")
	h.writePage(w, r, q)
}

func listQuery(r *http.Request) (service.ListQuery, error) {
	const op = "api.listQuery"
	page, err := queryInt(r, "page", 0)
	if err != nil {
		return service.ListQuery{}, apperr.Validation(op, err.Error())
	}
	size, err := queryInt(r, "size", 0)
	if err != nil {
		return service.ListQuery{}, apperr.Validation(op, err.Error())
	}
	return service.ListQuery{
		Page:     page,
		Size:     size,
		Sort:     repository.VideoSort(strings.ToLower(firstQuery(r, "sort"))),
		Keyword:  firstQuery(r, "q", "keyword"),
		Tag:      firstQuery(r, "tag"),
		Location: firstQuery(r, "location"),
	}, nil
}

func (h *VideoHandler) writePage(w http.ResponseWriter, r *http.Request, q service.ListQuery) {
	page, err := h.service.ListVideoPosts(r.Context(), q)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, "", page)
}

// GetVideoPost 返回单条记录，每次成功读取计一次浏览。
func (h *VideoHandler) GetVideoPost(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.GetVideoPost(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, "", rec)
}

func (h *VideoHandler) GetViewCount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	views, err := h.service.ViewCount(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, "", map[string]any{"id": id, "views_count": views})
}

func (h *VideoHandler) LikeVideoPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	likes, err := h.service.LikeVideoPost(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, "Video post liked", map[string]any{"id": id, "likes_count": likes})
}

func (h *VideoHandler) UnlikeVideoPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	likes, err := h.service.UnlikeVideoPost(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, "Video post unliked", map[string]any{"id": id, "likes_count": likes})
}

// UpdateVideoPost 以 JSON 请求体整体替换元数据。
func (h *VideoHandler) UpdateVideoPost(w http.ResponseWriter, r *http.Request) {
	var body metadataPayload
	if err := decodeJSON(w, r, &body); err != nil {
		if isTooLarge(err) {
			writeError(w, h.logger, apperr.Wrap(apperr.KindPayloadTooLarge, "api.UpdateVideoPost", "request body too large", err))
			return
		}
		writeError(w, h.logger, apperr.Wrap(apperr.KindValidation, "api.UpdateVideoPost", "invalid JSON body", err))
		return
	}
	rec, err := h.service.UpdateVideoPost(r.Context(), chi.URLParam(r, "id"), service.UpdateVideoInput{
		Title:       body.Title,
		Description: body.Description,
		Tags:        body.Tags,
		Location:    body.Location,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, "Video post updated", rec)
}

func (h *VideoHandler) DeleteVideoPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.DeleteVideoPost(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, "Video post deleted", map[string]any{"id": id, "deleted": true})
}

// ServeVideo 输出视频内容，可定位的存储支持 Range 请求。
func (h *VideoHandler) ServeVideo(w http.ResponseWriter, r *http.Request) {
	rc, rec, err := h.service.OpenVideo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	defer rc.Close()

	name := path.Base(rec.VideoPath)
	w.Header().Set("Content-Type", contentTypeFor(name, "video/mp4"))
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", name))
	w.Header().Set("Accept-Ranges", "bytes")

	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, name, rec.CreatedAt, rs)
		return
	}
	if rec.VideoFileSize > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(rec.VideoFileSize, 10))
	}
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Debug("video stream interrupted", zap.String("id", rec.ID), zap.Error(err))
	}
}

func (h *VideoHandler) ServeThumbnail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rc, contentType, err := h.service.OpenThumbnail(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	defer rc.Close()

	if contentType == "" {
		contentType = "image/jpeg"
		if rec, err := h.service.LookupVideoPost(r.Context(), id); err == nil && rec.ThumbnailPath != nil {
			contentType = contentTypeFor(*rec.ThumbnailPath, contentType)
		}
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Debug("thumbnail stream interrupted", zap.String("id", id), zap.Error(err))
	}
}

// ListComments 目前只返回空列表与记录上的评论计数。
func (h *VideoHandler) ListComments(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.LookupVideoPost(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, "", map[string]any{
		"items":          []any{},
		"comments_count": rec.CommentsCount,
	})
}

type commentRequest struct {
	Text string `json:"text"`
}

// comment 是尚未持久化的评论，只回显给调用方。
type comment struct {
	ID        string    `json:"id"`
	VideoID   string    `json:"video_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// AddComment 校验评论内容并返回回显结果，评论不写入目录。
func (h *VideoHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	const op = "api.AddComment"
	var body commentRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, h.logger, apperr.Wrap(apperr.KindValidation, op, "invalid JSON body", err))
		return
	}
	text := strings.TrimSpace(body.Text)
	if text == "" {
		writeError(w, h.logger, apperr.Validation(op, "comment text is required"))
		return
	}
	if utf8.RuneCountInString(text) > maxCommentLength {
		writeError(w, h.logger, apperr.Validation(op, fmt.Sprintf("comment must be at most %d characters", maxCommentLength)))
		return
	}

	rec, err := h.service.LookupVideoPost(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	c := comment{
		ID:        uuid.NewString(),
		VideoID:   rec.ID,
		UserID:    "anonymous",
		UserName:  "Anonymous User",
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if p, ok := jjmiddleware.PrincipalFrom(r.Context()); ok {
		c.UserID = p.Subject
		c.UserName = p.Subject
	}
	writeData(w, http.StatusCreated, "", c)
}

func (h *VideoHandler) UploadStats(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, "", h.service.UploadStats())
}

// SimulateViews 并发递增浏览数并报告是否丢失更新。
func (h *VideoHandler) SimulateViews(w http.ResponseWriter, r *http.Request) {
	const op = "api.SimulateViews"
	workers, err := queryInt(r, "threads", defaultSimulateWorkers)
	if err != nil {
		writeError(w, h.logger, apperr.Validation(op, err.Error()))
		return
	}
	perWorker, err := queryInt(r, "viewsPerThread", defaultSimulatePerWorker)
	if err != nil {
		writeError(w, h.logger, apperr.Validation(op, err.Error()))
		return
	}

	result, err := h.service.SimulateViews(r.Context(), chi.URLParam(r, "id"), workers, perWorker)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, "", result)
}

func contentTypeFor(name, fallback string) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(name))); ct != "" {
		return ct
	}
	return fallback
}

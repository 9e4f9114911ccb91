package repository

import (
	"context"
	"sort"
	"strings"
	"time"
)

// VideoRecord 代表目录中的一条视频记录。
type VideoRecord struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	Tags             []string  `json:"tags"`
	Location         *string   `json:"location,omitempty"`
	VideoPath        string    `json:"video_path"`
	ThumbnailPath    *string   `json:"thumbnail_path,omitempty"`
	VideoFileSize    int64     `json:"video_file_size"`
	UploadDurationMs int64     `json:"upload_duration_ms"`
	CreatedAt        time.Time `json:"created_at"`
	LikesCount       int64     `json:"likes_count"`
	ViewsCount       int64     `json:"views_count"`
	CommentsCount    int64     `json:"comments_count"`
}

// VideoSort 决定列表排序方式。
type VideoSort string

const (
	SortRecent  VideoSort = "recent"
	SortPopular VideoSort = "popular"
)

// ListVideosParams 用于分页检索视频。
type ListVideosParams struct {
	Keyword  string
	Tag      string
	Location string
	Sort     VideoSort
	Limit    int
	Offset   int
}

// VideoUpdate 描述允许修改的元数据字段；计数器、路径与创建时间不可修改。
type VideoUpdate struct {
	Title       string
	Description string
	Tags        []string
	Location    *string
}

// VideoRepository 统一视频目录持久层接口。
//
// IncrementViews 与 AdjustLikes 必须由存储后端以单次不可分割的操作完成，
// 实现不得先读出计数再整体写回。
type VideoRepository interface {
	Create(ctx context.Context, record *VideoRecord) (*VideoRecord, error)
	GetByID(ctx context.Context, id string) (*VideoRecord, error)
	List(ctx context.Context, params ListVideosParams) ([]VideoRecord, error)
	Count(ctx context.Context, params ListVideosParams) (int64, error)
	Update(ctx context.Context, id string, update VideoUpdate) (*VideoRecord, error)
	Delete(ctx context.Context, id string) error
	IncrementViews(ctx context.Context, id string) (int64, error)
	AdjustLikes(ctx context.Context, id string, delta int64) (int64, error)
}

// NormalizeTags 去除空白、转为小写并去重，结果按字典序排列。
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		value := strings.ToLower(strings.TrimSpace(tag))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

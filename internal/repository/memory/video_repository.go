// Package memory 提供进程内的视频目录实现，用于测试与无数据库的开发模式。
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"jutjub/internal/repository"
)

// VideoRepository 以 map 保存记录。计数器不受记录锁保护，
// 而是各自用 compare-and-swap 循环更新。
type VideoRepository struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu    sync.RWMutex // 仅保护 rec 中的元数据字段
	rec   repository.VideoRecord
	views atomic.Int64
	likes atomic.Int64
}

// NewVideoRepository 创建空仓库。
func NewVideoRepository() *VideoRepository {
	return &VideoRepository{entries: make(map[string]*entry)}
}

func (r *VideoRepository) Create(ctx context.Context, record *repository.VideoRecord) (*repository.VideoRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("video record is nil")
	}

	e := &entry{rec: *record}
	e.rec.Tags = append([]string{}, record.Tags...)
	e.rec.LikesCount = 0
	e.rec.ViewsCount = 0
	e.rec.CommentsCount = 0

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[record.ID]; exists {
		return nil, fmt.Errorf("video %s already exists", record.ID)
	}
	r.entries[record.ID] = e
	snap := e.snapshot()
	return &snap, nil
}

func (r *VideoRepository) GetByID(ctx context.Context, id string) (*repository.VideoRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := r.lookup(id)
	if !ok {
		return nil, repository.ErrNotFound
	}
	snap := e.snapshot()
	return &snap, nil
}

func (r *VideoRepository) List(ctx context.Context, params repository.ListVideosParams) ([]repository.VideoRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matched := r.filter(params)

	if params.Sort == repository.SortPopular {
		sort.SliceStable(matched, func(i, j int) bool {
			a, b := matched[i], matched[j]
			if a.LikesCount != b.LikesCount {
				return a.LikesCount > b.LikesCount
			}
			if a.ViewsCount != b.ViewsCount {
				return a.ViewsCount > b.ViewsCount
			}
			return a.CreatedAt.After(b.CreatedAt)
		})
	} else {
		sort.SliceStable(matched, func(i, j int) bool {
			a, b := matched[i], matched[j]
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.ID < b.ID
		})
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(params.Offset, 0)
	if offset >= len(matched) {
		return []repository.VideoRecord{}, nil
	}
	end := min(offset+limit, len(matched))
	return matched[offset:end], nil
}

func (r *VideoRepository) Count(ctx context.Context, params repository.ListVideosParams) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return int64(len(r.filter(params))), nil
}

func (r *VideoRepository) Update(ctx context.Context, id string, update repository.VideoUpdate) (*repository.VideoRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := r.lookup(id)
	if !ok {
		return nil, repository.ErrNotFound
	}

	e.mu.Lock()
	e.rec.Title = update.Title
	e.rec.Description = update.Description
	e.rec.Tags = append([]string{}, update.Tags...)
	if update.Location != nil {
		loc := *update.Location
		e.rec.Location = &loc
	} else {
		e.rec.Location = nil
	}
	e.mu.Unlock()

	snap := e.snapshot()
	return &snap, nil
}

func (r *VideoRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.entries, id)
	return nil
}

// IncrementViews 对浏览数执行 CAS 循环，直到成功或记录不存在。
func (r *VideoRepository) IncrementViews(ctx context.Context, id string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e, ok := r.lookup(id)
	if !ok {
		return 0, repository.ErrNotFound
	}
	for {
		cur := e.views.Load()
		if e.views.CompareAndSwap(cur, cur+1) {
			return cur + 1, nil
		}
	}
}

// AdjustLikes 同样使用 CAS 循环，结果下限为 0。
func (r *VideoRepository) AdjustLikes(ctx context.Context, id string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e, ok := r.lookup(id)
	if !ok {
		return 0, repository.ErrNotFound
	}
	for {
		cur := e.likes.Load()
		next := max(cur+delta, 0)
		if e.likes.CompareAndSwap(cur, next) {
			return next, nil
		}
	}
}

func (r *VideoRepository) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *VideoRepository) filter(params repository.ListVideosParams) []repository.VideoRecord {
	keyword := strings.ToLower(strings.TrimSpace(params.Keyword))
	tag := strings.ToLower(strings.TrimSpace(params.Tag))
	location := strings.ToLower(strings.TrimSpace(params.Location))

	r.mu.RLock()
	snaps := make([]repository.VideoRecord, 0, len(r.entries))
	for _, e := range r.entries {
		snaps = append(snaps, e.snapshot())
	}
	r.mu.RUnlock()

	out := snaps[:0]
	for _, rec := range snaps {
		if keyword != "" && !matchesKeyword(rec, keyword) {
			continue
		}
		if tag != "" && !containsTag(rec.Tags, tag) {
			continue
		}
		if location != "" && (rec.Location == nil || !strings.Contains(strings.ToLower(*rec.Location), location)) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (e *entry) snapshot() repository.VideoRecord {
	e.mu.RLock()
	rec := e.rec
	rec.Tags = append([]string{}, e.rec.Tags...)
	e.mu.RUnlock()
	rec.ViewsCount = e.views.Load()
	rec.LikesCount = e.likes.Load()
	return rec
}

func matchesKeyword(rec repository.VideoRecord, keyword string) bool {
	if strings.Contains(strings.ToLower(rec.Title), keyword) ||
		strings.Contains(strings.ToLower(rec.Description), keyword) {
		return true
	}
	if rec.Location != nil && strings.Contains(strings.ToLower(*rec.Location), keyword) {
		return true
	}
	for _, t := range rec.Tags {
		if strings.Contains(t, keyword) {
			return true
		}
	}
	return false
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

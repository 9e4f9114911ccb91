package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"jutjub/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, repo *VideoRepository, id, title string, tags []string, createdAt time.Time) {
	t.Helper()
	_, err := repo.Create(context.Background(), &repository.VideoRecord{
		ID:        id,
		Title:     title,
		Tags:      tags,
		VideoPath: "videos/" + id + ".mp4",
		CreatedAt: createdAt,
	})
	require.NoError(t, err)
}

func TestIncrementViews_ConcurrentCallersLoseNothing(t *testing.T) {
	repo := NewVideoRepository()
	ctx := context.Background()
	seed(t, repo, "v1", "clip", nil, time.Now())

	const initial = 7
	for i := 0; i < initial; i++ {
		_, err := repo.IncrementViews(ctx, "v1")
		require.NoError(t, err)
	}

	const (
		callers  = 20
		perCall  = 5
		expected = initial + callers*perCall
	)

	var wg sync.WaitGroup
	errs := make(chan error, callers*perCall)
	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perCall; i++ {
				if _, err := repo.IncrementViews(ctx, "v1"); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("increment failed: %v", err)
	}

	rec, err := repo.GetByID(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(expected), rec.ViewsCount)
}

func TestIncrementViews_NotFoundLeavesNoState(t *testing.T) {
	repo := NewVideoRepository()
	ctx := context.Background()

	_, err := repo.IncrementViews(ctx, "ghost")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = repo.GetByID(ctx, "ghost")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	total, err := repo.Count(ctx, repository.ListVideosParams{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestAdjustLikes_NeverBelowZero(t *testing.T) {
	repo := NewVideoRepository()
	ctx := context.Background()
	seed(t, repo, "v1", "clip", nil, time.Now())

	likes, err := repo.AdjustLikes(ctx, "v1", -1)
	require.NoError(t, err)
	assert.Zero(t, likes)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = repo.AdjustLikes(ctx, "v1", 1)
		}()
	}
	wg.Wait()

	rec, err := repo.GetByID(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), rec.LikesCount)

	_, err = repo.AdjustLikes(ctx, "missing", 1)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCreate_CountersStartAtZeroAndDuplicateRejected(t *testing.T) {
	repo := NewVideoRepository()
	ctx := context.Background()

	created, err := repo.Create(ctx, &repository.VideoRecord{ID: "v1", ViewsCount: 99, LikesCount: 5})
	require.NoError(t, err)
	assert.Zero(t, created.ViewsCount)
	assert.Zero(t, created.LikesCount)

	_, err = repo.Create(ctx, &repository.VideoRecord{ID: "v1"})
	assert.Error(t, err)
}

func TestUpdate_KeepsCounters(t *testing.T) {
	repo := NewVideoRepository()
	ctx := context.Background()
	seed(t, repo, "v1", "old", []string{"a"}, time.Now())
	_, _ = repo.IncrementViews(ctx, "v1")

	loc := "Beograd"
	rec, err := repo.Update(ctx, "v1", repository.VideoUpdate{Title: "new", Tags: []string{"b"}, Location: &loc})
	require.NoError(t, err)
	assert.Equal(t, "new", rec.Title)
	assert.Equal(t, []string{"b"}, rec.Tags)
	assert.Equal(t, int64(1), rec.ViewsCount)

	_, err = repo.Update(ctx, "missing", repository.VideoUpdate{})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestListFiltersSortsAndPaginates(t *testing.T) {
	repo := NewVideoRepository()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		tags := []string{"misc"}
		if i%2 == 0 {
			tags = []string{"travel"}
		}
		seed(t, repo, fmt.Sprintf("v%d", i), fmt.Sprintf("Trip %d", i), tags, base.Add(time.Duration(i)*time.Hour))
	}
	_, _ = repo.AdjustLikes(ctx, "v1", 3)
	_, _ = repo.AdjustLikes(ctx, "v3", 1)

	recent, err := repo.List(ctx, repository.ListVideosParams{Limit: 2})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "v4", recent[0].ID)
	assert.Equal(t, "v3", recent[1].ID)

	popular, err := repo.List(ctx, repository.ListVideosParams{Sort: repository.SortPopular, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, "v1", popular[0].ID)
	assert.Equal(t, "v3", popular[1].ID)

	travel, err := repo.List(ctx, repository.ListVideosParams{Tag: "TRAVEL"})
	require.NoError(t, err)
	assert.Len(t, travel, 3)

	byKeyword, err := repo.Count(ctx, repository.ListVideosParams{Keyword: "trip 2"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), byKeyword)

	tail, err := repo.List(ctx, repository.ListVideosParams{Limit: 10, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestDelete(t *testing.T) {
	repo := NewVideoRepository()
	ctx := context.Background()
	seed(t, repo, "v1", "clip", nil, time.Now())

	require.NoError(t, repo.Delete(ctx, "v1"))
	assert.ErrorIs(t, repo.Delete(ctx, "v1"), repository.ErrNotFound)
}

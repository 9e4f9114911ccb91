package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"jutjub/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupVideoTestRepository(t *testing.T) (*VideoRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	return NewVideoRepository(db), mock, func() { db.Close() }
}

func videoRow(id string, views, likes int64) *sqlmock.Rows {
	return sqlmock.NewRows(videoSelectColumns).AddRow(
		id,
		"Sunset",
		"Timelapse over the bay",
		[]byte(`["bay","sunset"]`),
		"Novi Sad",
		"videos/video_1.mp4",
		nil,
		int64(2048),
		int64(15),
		time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		likes,
		views,
		int64(0),
	)
}

func TestVideoRepository_Create(t *testing.T) {
	repo, mock, cleanup := setupVideoTestRepository(t)
	defer cleanup()

	location := "Novi Sad"
	createdAt := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	record := &repository.VideoRecord{
		ID:               "6f1c1f57-0a3f-4c7d-9a55-5a0f3c1c2d10",
		Title:            "Sunset",
		Description:      "Timelapse over the bay",
		Tags:             []string{"bay", "sunset"},
		Location:         &location,
		VideoPath:        "videos/video_1.mp4",
		VideoFileSize:    2048,
		UploadDurationMs: 15,
		CreatedAt:        createdAt,
	}

	mock.ExpectQuery(`INSERT INTO video_posts`).
		WithArgs(record.ID, "Sunset", "Timelapse over the bay", []byte(`["bay","sunset"]`),
			sql.NullString{String: location, Valid: true}, "videos/video_1.mp4", sql.NullString{},
			int64(2048), int64(15), createdAt).
		WillReturnRows(videoRow(record.ID, 0, 0))

	created, err := repo.Create(context.Background(), record)
	require.NoError(t, err)
	assert.Equal(t, record.ID, created.ID)
	assert.Equal(t, []string{"bay", "sunset"}, created.Tags)
	require.NotNil(t, created.Location)
	assert.Equal(t, "Novi Sad", *created.Location)
	assert.Nil(t, created.ThumbnailPath)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVideoRepository_Create_Error(t *testing.T) {
	repo, mock, cleanup := setupVideoTestRepository(t)
	defer cleanup()

	mock.ExpectQuery(`INSERT INTO video_posts`).WillReturnError(errors.New("connection refused"))

	_, err := repo.Create(context.Background(), &repository.VideoRecord{ID: "x"})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVideoRepository_GetByID(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		wantErr   error
	}{
		{
			name: "found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT .* FROM video_posts WHERE id = \$1`).
					WithArgs("id-1").
					WillReturnRows(videoRow("id-1", 10, 2))
			},
		},
		{
			name: "not found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT .* FROM video_posts WHERE id = \$1`).
					WithArgs("id-1").
					WillReturnError(sql.ErrNoRows)
			},
			wantErr: repository.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock, cleanup := setupVideoTestRepository(t)
			defer cleanup()
			tt.setupMock(mock)

			rec, err := repo.GetByID(context.Background(), "id-1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, rec)
			} else {
				require.NoError(t, err)
				assert.Equal(t, int64(10), rec.ViewsCount)
				assert.Equal(t, int64(2), rec.LikesCount)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestVideoRepository_IncrementViews_SingleAtomicStatement(t *testing.T) {
	repo, mock, cleanup := setupVideoTestRepository(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE video_posts SET views_count = views_count + 1 WHERE id = $1 RETURNING views_count`)).
		WithArgs("id-1").
		WillReturnRows(sqlmock.NewRows([]string{"views_count"}).AddRow(int64(42)))

	views, err := repo.IncrementViews(context.Background(), "id-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), views)
	// 只允许一条语句，没有先 SELECT 再 UPDATE
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVideoRepository_IncrementViews_NotFound(t *testing.T) {
	repo, mock, cleanup := setupVideoTestRepository(t)
	defer cleanup()

	mock.ExpectQuery(`UPDATE video_posts SET views_count`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"views_count"}))

	_, err := repo.IncrementViews(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVideoRepository_AdjustLikes(t *testing.T) {
	repo, mock, cleanup := setupVideoTestRepository(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE video_posts SET likes_count = GREATEST(likes_count + $2, 0) WHERE id = $1 RETURNING likes_count`)).
		WithArgs("id-1", int64(-1)).
		WillReturnRows(sqlmock.NewRows([]string{"likes_count"}).AddRow(int64(0)))

	likes, err := repo.AdjustLikes(context.Background(), "id-1", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), likes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVideoRepository_Delete(t *testing.T) {
	repo, mock, cleanup := setupVideoTestRepository(t)
	defer cleanup()

	mock.ExpectExec(`DELETE FROM video_posts WHERE id = \$1`).
		WithArgs("id-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM video_posts WHERE id = \$1`).
		WithArgs("id-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, repo.Delete(context.Background(), "id-1"))
	assert.ErrorIs(t, repo.Delete(context.Background(), "id-2"), repository.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVideoRepository_Update_DoesNotTouchCounters(t *testing.T) {
	repo, mock, cleanup := setupVideoTestRepository(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE video_posts SET title = $1, description = $2, tags = $3, location = $4`)).
		WithArgs("New", "Desc", []byte(`["a"]`), sql.NullString{}, "id-1").
		WillReturnRows(videoRow("id-1", 5, 1))

	rec, err := repo.Update(context.Background(), "id-1", repository.VideoUpdate{
		Title:       "New",
		Description: "Desc",
		Tags:        []string{"a"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.ViewsCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVideoRepository_ListAndCount(t *testing.T) {
	repo, mock, cleanup := setupVideoTestRepository(t)
	defer cleanup()

	params := repository.ListVideosParams{
		Keyword: "50%",
		Tag:     " Sunset ",
		Sort:    repository.SortPopular,
		Limit:   10,
		Offset:  20,
	}

	mock.ExpectQuery(`SELECT .* FROM video_posts WHERE \(title ILIKE \$1 .*\) AND tags @> jsonb_build_array\(\$2::text\) ORDER BY likes_count DESC, views_count DESC, created_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs(`%50\%%`, "sunset", 10, 20).
		WillReturnRows(videoRow("id-1", 3, 9))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM video_posts WHERE`).
		WithArgs(`%50\%%`, "sunset").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(21)))

	records, err := repo.List(context.Background(), params)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "id-1", records[0].ID)

	total, err := repo.Count(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, int64(21), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVideoRepository_List_DefaultsToRecent(t *testing.T) {
	repo, mock, cleanup := setupVideoTestRepository(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT .* FROM video_posts ORDER BY created_at DESC, id LIMIT \$1`).
		WithArgs(20).
		WillReturnRows(sqlmock.NewRows(videoSelectColumns))

	records, err := repo.List(context.Background(), repository.ListVideosParams{})
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVideoRepository_MalformedIDIsNotFound(t *testing.T) {
	repo, mock, cleanup := setupVideoTestRepository(t)
	defer cleanup()

	mock.ExpectQuery(`UPDATE video_posts SET views_count`).
		WithArgs("not-a-uuid").
		WillReturnError(&pgconn.PgError{Code: "22P02", Message: "invalid input syntax for type uuid"})

	_, err := repo.IncrementViews(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

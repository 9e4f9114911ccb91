package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"jutjub/internal/repository"

	"github.com/jackc/pgx/v5/pgconn"
)

// invalidTextRepresentation 是 Postgres 对非法 UUID 文本返回的 SQLSTATE。
const invalidTextRepresentation = "22P02"

// NewVideoRepository 返回基于 *sql.DB 的 Postgres 实现。
func NewVideoRepository(db *sql.DB) *VideoRepository {
	return &VideoRepository{db: db}
}

// VideoRepository 实现 repository.VideoRepository。
type VideoRepository struct {
	db *sql.DB
}

var videoSelectColumns = []string{
	"id",
	"title",
	"description",
	"tags",
	"location",
	"video_path",
	"thumbnail_path",
	"video_file_size",
	"upload_duration_ms",
	"created_at",
	"likes_count",
	"views_count",
	"comments_count",
}

var videoInsertColumns = []string{
	"id",
	"title",
	"description",
	"tags",
	"location",
	"video_path",
	"thumbnail_path",
	"video_file_size",
	"upload_duration_ms",
	"created_at",
}

// Create 插入视频记录，计数器一律从 0 开始。
func (r *VideoRepository) Create(ctx context.Context, record *repository.VideoRecord) (*repository.VideoRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("video record is nil")
	}

	tags, err := encodeTags(record.Tags)
	if err != nil {
		return nil, err
	}

	placeholders := make([]string, len(videoInsertColumns))
	for i := range videoInsertColumns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(`INSERT INTO video_posts (%s)
	VALUES (%s)
	RETURNING %s`,
		strings.Join(videoInsertColumns, ","),
		strings.Join(placeholders, ","),
		strings.Join(videoSelectColumns, ","),
	)

	row := r.db.QueryRowContext(
		ctx,
		query,
		record.ID,
		record.Title,
		record.Description,
		tags,
		nullString(record.Location),
		record.VideoPath,
		nullString(record.ThumbnailPath),
		record.VideoFileSize,
		record.UploadDurationMs,
		record.CreatedAt,
	)

	return scanVideoRecord(row)
}

// GetByID 通过主键查询视频记录。
func (r *VideoRepository) GetByID(ctx context.Context, id string) (*repository.VideoRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM video_posts WHERE id = $1`, strings.Join(videoSelectColumns, ","))
	row := r.db.QueryRowContext(ctx, query, id)
	rec, err := scanVideoRecord(row)
	if err != nil {
		return nil, mapError(err)
	}
	return rec, nil
}

// List 支持关键字、标签、地点过滤以及按时间或热度排序的分页。
func (r *VideoRepository) List(ctx context.Context, params repository.ListVideosParams) ([]repository.VideoRecord, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	whereClause, args := buildFilter(params)

	args = append(args, limit)
	tail := fmt.Sprintf("ORDER BY %s LIMIT $%d", orderBy(params.Sort), len(args))

	if params.Offset > 0 {
		args = append(args, params.Offset)
		tail += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	query := fmt.Sprintf(`SELECT %s FROM video_posts %s %s`, strings.Join(videoSelectColumns, ","), whereClause, tail)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]repository.VideoRecord, 0, limit)
	for rows.Next() {
		rec, err := scanVideoRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Count 返回满足过滤条件的记录总数。
func (r *VideoRepository) Count(ctx context.Context, params repository.ListVideosParams) (int64, error) {
	whereClause, args := buildFilter(params)
	query := strings.TrimSpace(fmt.Sprintf(`SELECT COUNT(*) FROM video_posts %s`, whereClause))

	var total int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// Update 只修改元数据字段。
func (r *VideoRepository) Update(ctx context.Context, id string, update repository.VideoUpdate) (*repository.VideoRecord, error) {
	tags, err := encodeTags(update.Tags)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`UPDATE video_posts SET title = $1, description = $2, tags = $3, location = $4
	WHERE id = $5
	RETURNING %s`, strings.Join(videoSelectColumns, ","))

	row := r.db.QueryRowContext(ctx, query, update.Title, update.Description, tags, nullString(update.Location), id)
	rec, err := scanVideoRecord(row)
	if err != nil {
		return nil, mapError(err)
	}
	return rec, nil
}

// Delete 删除视频记录。
func (r *VideoRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM video_posts WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// IncrementViews 以单条 UPDATE 原子地把浏览数加一，并返回新的值。
func (r *VideoRepository) IncrementViews(ctx context.Context, id string) (int64, error) {
	query := `UPDATE video_posts SET views_count = views_count + 1 WHERE id = $1 RETURNING views_count`

	var views int64
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&views); err != nil {
		return 0, mapError(err)
	}
	return views, nil
}

// AdjustLikes 原子地调整点赞数，结果不会小于 0。
func (r *VideoRepository) AdjustLikes(ctx context.Context, id string, delta int64) (int64, error) {
	query := `UPDATE video_posts SET likes_count = GREATEST(likes_count + $2, 0) WHERE id = $1 RETURNING likes_count`

	var likes int64
	if err := r.db.QueryRowContext(ctx, query, id, delta).Scan(&likes); err != nil {
		return 0, mapError(err)
	}
	return likes, nil
}

// mapError 把"没有匹配行"以及格式非法的 UUID 主键统一视为记录不存在。
func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == invalidTextRepresentation {
		return repository.ErrNotFound
	}
	return err
}

func buildFilter(params repository.ListVideosParams) (string, []any) {
	var (
		conds []string
		args  []any
	)

	if kw := strings.TrimSpace(params.Keyword); kw != "" {
		args = append(args, "%"+escapeLike(kw)+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf(`(title ILIKE $%[1]d OR description ILIKE $%[1]d OR location ILIKE $%[1]d OR EXISTS (SELECT 1 FROM jsonb_array_elements_text(tags) AS t(tag) WHERE t.tag ILIKE $%[1]d))`, n))
	}
	if tag := strings.ToLower(strings.TrimSpace(params.Tag)); tag != "" {
		args = append(args, tag)
		conds = append(conds, fmt.Sprintf("tags @> jsonb_build_array($%d::text)", len(args)))
	}
	if loc := strings.TrimSpace(params.Location); loc != "" {
		args = append(args, "%"+escapeLike(loc)+"%")
		conds = append(conds, fmt.Sprintf("location ILIKE $%d", len(args)))
	}

	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func orderBy(sort repository.VideoSort) string {
	if sort == repository.SortPopular {
		return "likes_count DESC, views_count DESC, created_at DESC"
	}
	return "created_at DESC, id"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideoRecord(rs rowScanner) (*repository.VideoRecord, error) {
	var (
		rec       repository.VideoRecord
		tags      []byte
		location  sql.NullString
		thumbnail sql.NullString
	)

	if err := rs.Scan(
		&rec.ID,
		&rec.Title,
		&rec.Description,
		&tags,
		&location,
		&rec.VideoPath,
		&thumbnail,
		&rec.VideoFileSize,
		&rec.UploadDurationMs,
		&rec.CreatedAt,
		&rec.LikesCount,
		&rec.ViewsCount,
		&rec.CommentsCount,
	); err != nil {
		return nil, err
	}

	if location.Valid {
		rec.Location = &location.String
	}
	if thumbnail.Valid {
		rec.ThumbnailPath = &thumbnail.String
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &rec.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	if rec.Tags == nil {
		rec.Tags = []string{}
	}

	return &rec, nil
}

func encodeTags(tags []string) ([]byte, error) {
	if tags == nil {
		tags = []string{}
	}
	return json.Marshal(tags)
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

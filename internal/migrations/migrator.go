package migrations

import (
	"context"
	"errors"
	"fmt"
	"strings"

	dbmigrations "jutjub/db/migrations"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

const migrationsTable = "jutjub_schema_migrations"

// Direction 表示迁移方向。
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Apply 使用 embed 的脚本执行 up 迁移，已是最新时视为成功。
func Apply(ctx context.Context, dsn string, logger *zap.Logger) error {
	return Run(ctx, dsn, Up, logger)
}

// Run 按指定方向执行全部迁移。ctx 取消时会请求 migrate 在当前脚本结束后停止。
func Run(ctx context.Context, dsn string, dir Direction, logger *zap.Logger) error {
	if dsn == "" {
		return fmt.Errorf("empty database dsn")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	src, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if err := errors.Join(srcErr, dbErr); err != nil {
			logger.Warn("close migrator", zap.Error(err))
		}
	}()
	m.Log = &zapMigrateLogger{logger: logger.Named("migrate")}

	stop := context.AfterFunc(ctx, func() {
		select {
		case m.GracefulStop <- true:
		default:
		}
	})
	defer stop()

	switch dir {
	case Up:
		err = m.Up()
	case Down:
		err = m.Down()
	default:
		return fmt.Errorf("unknown migration direction %q", dir)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations %s: %w", dir, err)
	}

	version, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", verr)
	}
	logger.Info("migrations applied",
		zap.String("direction", string(dir)),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
		zap.Bool("no_change", errors.Is(err, migrate.ErrNoChange)),
	)
	return nil
}

// migrateURL 把 postgres:// 连接串转换为 migrate pgx/v5 驱动识别的 scheme，
// 并指定独立的版本表。
func migrateURL(dsn string) string {
	u := dsn
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(u, prefix) {
			u = "pgx5://" + strings.TrimPrefix(u, prefix)
			break
		}
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "x-migrations-table=" + migrationsTable
}

type zapMigrateLogger struct {
	logger *zap.Logger
}

func (l *zapMigrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *zapMigrateLogger) Verbose() bool {
	return l.logger.Core().Enabled(zap.DebugLevel)
}

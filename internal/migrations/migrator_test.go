package migrations

import (
	"context"
	"io/fs"
	"strings"
	"testing"

	dbmigrations "jutjub/db/migrations"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{
			in:   "postgres://u:p@localhost:5432/jutjub?sslmode=disable",
			want: "pgx5://u:p@localhost:5432/jutjub?sslmode=disable&x-migrations-table=jutjub_schema_migrations",
		},
		{
			in:   "postgresql://localhost/jutjub",
			want: "pgx5://localhost/jutjub?x-migrations-table=jutjub_schema_migrations",
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, migrateURL(tt.in))
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(dbmigrations.Files, ".")
	require.NoError(t, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	assert.Equal(t, ups, downs)
}

func TestRun_RejectsBadInput(t *testing.T) {
	assert.Error(t, Run(context.Background(), "", Up, nil))
}

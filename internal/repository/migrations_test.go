package repository

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/000002_slots.up.sql":  {Data: []byte("CREATE TABLE b (id INT);")},
		"migrations/000001_init.up.sql":   {Data: []byte("CREATE TABLE a (id INT);")},
		"migrations/000001_init.down.sql": {Data: []byte("DROP TABLE a;")},
		"migrations/README.md":            {Data: []byte("notes")},
	}

	migrations, err := LoadMigrations(fsys, "migrations")
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	require.Equal(t, 1, migrations[0].Version)
	require.Equal(t, "init", migrations[0].Name)
	require.Equal(t, 2, migrations[1].Version)
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/000001_a.up.sql": {Data: []byte("SELECT 1;")},
		"migrations/000001_b.up.sql": {Data: []byte("SELECT 1;")},
	}

	_, err := LoadMigrations(fsys, "migrations")
	require.Error(t, err)
}

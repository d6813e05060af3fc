package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Flags(t *testing.T) {
	cmd := NewRootCmd()

	for _, name := range []string{"port", "db-driver", "db-path", "database-url", "session-store", "redis-url", "log-level", "log-format"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}

	sub, _, err := cmd.Find([]string{"migrate"})
	require.NoError(t, err)
	assert.Equal(t, "migrate", sub.Name())
}

func TestMigrateCmd_SQLite(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SESSION_SECRET", "test-secret-0123456789")
	t.Setenv("LOG_LEVEL", "error")
	dbPath := filepath.Join(t.TempDir(), "users.db")

	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"migrate", "--db-path", dbPath})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Migrations completed successfully")
	assert.FileExists(t, dbPath)
}

func TestMigrateCmd_PostgresNeedsURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LOG_LEVEL", "error")

	cmd := NewRootCmd()
	cmd.SetArgs([]string{"migrate", "--db-driver", "postgres"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

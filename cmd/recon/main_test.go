package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexmediation/revenue-recon/config"
)

func TestResolveSettings_FlagsWinOverEnv(t *testing.T) {
	t.Setenv("RECON_BACKEND", "postgres")
	t.Setenv("LOG_LEVEL", "warn")

	s, err := resolveSettings(&rootFlags{
		envFile:    filepath.Join(t.TempDir(), "absent.env"),
		backend:    "memory",
		sqlitePath: "/tmp/x.db",
	})
	require.NoError(t, err)

	assert.Equal(t, config.BackendMemory, s.Backend)
	assert.Equal(t, "/tmp/x.db", s.SQLitePath)
	assert.Equal(t, "warn", s.LogLevel)
}

func TestNewApp_UnknownBackend(t *testing.T) {
	s := config.DefaultSettings()
	s.Backend = "cassandra"

	_, err := newApp(context.Background(), s)

	assert.ErrorContains(t, err, "unknown backend")
}

func TestReconcileCommand_SQLite(t *testing.T) {
	// GIVEN: An empty SQLite database in a temp dir
	dbPath := filepath.Join(t.TempDir(), "data", "recon.db")
	t.Setenv("RECON_BACKEND", "sqlite")

	// WHEN: Reconciling one day
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{
		"--env-file", filepath.Join(t.TempDir(), "absent.env"),
		"--db", dbPath,
		"reconcile", "--from", "2025-01-10", "--to", "2025-01-11",
	})
	require.NoError(t, root.ExecuteContext(context.Background()))

	// THEN: The result is an empty window
	var resp map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp), out.String())
	assert.Equal(t, "empty", resp["outcome"])
	assert.EqualValues(t, 0, resp["inserted"])
}

func TestStageCommand_InvalidWindow(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{
		"--env-file", filepath.Join(t.TempDir(), "absent.env"),
		"--backend", "memory",
		"expected", "--from", "2025-01-11", "--to", "2025-01-10",
	})

	err := root.ExecuteContext(context.Background())

	assert.ErrorContains(t, err, "invalid window")
}

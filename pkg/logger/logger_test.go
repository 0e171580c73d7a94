package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuditStreamWritesJSON(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "audit.log")

	require.NoError(t, Init(Config{
		Level:       "debug",
		OutputPaths: []string{"discard"},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}))
	t.Cleanup(func() { _ = Init(Config{OutputPaths: []string{"discard"}}) })

	Audit().Info("escrow hold", "task_id", "t-1", "amount", "5")
	require.NoError(t, Sync())

	f, err := os.Open(auditPath)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var entry map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
	require.Equal(t, "escrow hold", entry["msg"])
	require.Equal(t, "t-1", entry["task_id"])
}

func TestAuditRequiresPath(t *testing.T) {
	err := Init(Config{Audit: AuditConfig{Enabled: true}})
	require.Error(t, err)
}

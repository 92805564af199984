// ABOUTME: Tests for the transcript and usage commands
// ABOUTME: Seeds a SQLite database and runs the commands against a temp config

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/atende-gateway/internal/store"
)

// writeInspectConfig seeds a database and returns a config file pointing at it.
func writeInspectConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "gateway.db")

	ctx := context.Background()
	st, err := store.NewSQLiteStore(dbPath, nil)
	require.NoError(t, err)
	opened := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, st.OpenLog(ctx, &store.ConversationLog{
		ID: "log-1", TenantID: "acme", ConversationID: "conv-1",
		CustomerPhone: "5511999990001", EmployeePhone: "5511800000001", DepartmentName: "Suporte", OpenedAt: opened,
	}))
	require.NoError(t, st.AppendLogMessage(ctx, &store.LogMessage{ID: "m1", LogID: "log-1", Author: store.AuthorCustomer, Text: "olá", CreatedAt: opened}))
	require.NoError(t, st.AppendLogMessage(ctx, &store.LogMessage{ID: "m2", LogID: "log-1", Author: store.AuthorEmployee, Text: "bom dia", CreatedAt: opened.Add(time.Minute)}))
	require.NoError(t, st.CloseLog(ctx, "log-1", store.ResolutionResolved, "cliente atendido", opened.Add(time.Hour)))
	for i, tenant := range []string{"acme", "acme", "other"} {
		require.NoError(t, st.SaveAIUsage(ctx, &store.AIUsage{
			ID: fmt.Sprintf("u-%d", i), TenantID: tenant, SessionID: "s1", InputTokens: 100, OutputTokens: 20,
		}))
	}
	require.NoError(t, st.Close())

	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`
logging:
  level: error
database:
  path: %q
archive:
  dir: %q
messaging:
  verify_token: "hub-secret"
  tenants:
    acme:
      phone_number_id: "pn-1"
      token: "tok"
`, dbPath, filepath.Join(dir, "archive"))), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute())
	return out.String()
}

func TestTranscriptCommand(t *testing.T) {
	color.NoColor = true
	path := writeInspectConfig(t)

	out := runCLI(t, "--config", path, "transcript", "log-1")
	assert.Contains(t, out, "log-1  Suporte  5511999990001 ↔ 5511800000001")
	assert.Contains(t, out, "summary: cliente atendido")
	assert.Contains(t, out, "09:00:00 customer: olá\n09:01:00 employee: bom dia\n")
}

func TestTranscriptCommand_UnknownLog(t *testing.T) {
	path := writeInspectConfig(t)

	root := newRootCmd()
	root.SetArgs([]string{"--config", path, "transcript", "nope"})
	assert.ErrorIs(t, root.Execute(), store.ErrNotFound)
}

func TestUsageCommand(t *testing.T) {
	path := writeInspectConfig(t)

	assert.Equal(t, "requests=3 input=300 output=60 total=360\n", runCLI(t, "--config", path, "usage"))
	assert.Equal(t, "requests=2 input=200 output=40 total=240\n", runCLI(t, "--config", path, "usage", "--tenant", "acme"))
	assert.Equal(t, "requests=3 input=300 output=60 total=360\n", runCLI(t, "--config", path, "usage", "--since", "1h"))
}

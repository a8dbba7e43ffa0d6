package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/aretw0/espalier/pkg/adapters/sqlite"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestAuditLog_Contract(t *testing.T) {
	log, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	defer log.Close()
	ports.AuditLogContract(t, log)
}

func TestAuditLog_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "espalier.db")
	ctx := context.Background()

	log, err := sqlite.Open(path)
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, ports.AuditEntry{RunID: "r1", Iteration: 1, Kind: ports.AuditTransition, Payload: []byte(`{"from":"idle","to":"planning"}`)}))
	require.NoError(t, log.Close())

	reopened, err := sqlite.Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Query(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ports.AuditTransition, got[0].Kind)

	runs, err := reopened.Runs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, runs)
}

func TestAuditLog_IsAppendOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "espalier.db")
	log, err := sqlite.Open(path)
	require.NoError(t, err)
	require.NoError(t, log.Append(context.Background(), ports.AuditEntry{RunID: "r1", Kind: ports.AuditToolResult, Payload: []byte(`{}`)}))
	require.NoError(t, log.Close())

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`UPDATE audit_log SET kind = 'tampered'`)
	assert.ErrorContains(t, err, "append-only")
	_, err = db.Exec(`DELETE FROM audit_log`)
	assert.ErrorContains(t, err, "append-only")
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	v1, err := sqlite.Migrate(db)
	require.NoError(t, err)
	v2, err := sqlite.Migrate(db)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 2, v1)
}

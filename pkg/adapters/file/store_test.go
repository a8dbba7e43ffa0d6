package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aretw0/espalier/pkg/adapters/file"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ ports.RunStore = (*file.Store)(nil)

func TestStore_Contract(t *testing.T) {
	ports.RunStoreContract(t, file.New(t.TempDir()))
}

func TestStore_ListMissingDir(t *testing.T) {
	s := file.New(filepath.Join(t.TempDir(), "nope"))
	ids, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_IgnoresStrayFiles(t *testing.T) {
	dir := t.TempDir()
	s := file.New(dir)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "b", domain.NewRunState("b", domain.TaskObjective{Goal: "g", IterationCap: 1})))
	require.NoError(t, s.Save(ctx, "a", domain.NewRunState("a", domain.TaskObjective{Goal: "g", IterationCap: 1})))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tmp-c-123.json"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestStore_RejectsPathIDs(t *testing.T) {
	s := file.New(t.TempDir())
	ctx := context.Background()
	for _, id := range []string{"", "../escape", `a\b`, ".."} {
		assert.Error(t, s.Save(ctx, id, domain.NewRunState(id, domain.TaskObjective{Goal: "g"})), id)
	}
}

package middleware_test

import (
	"context"
	"testing"

	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/persistence/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIIMiddleware_Masking(t *testing.T) {
	underlying := memory.NewStore()
	mw, err := middleware.NewPIIMiddleware([]string{"password", "ssn"})
	require.NoError(t, err)
	secure := mw(underlying)

	ctx := context.Background()
	st := domain.NewRunState("pii", domain.TaskObjective{Goal: "g"})
	st.Append(domain.HistoryEntry{
		Iteration: 1,
		Kind:      domain.EntryRoleMessage,
		Message: &domain.RoleMessage{
			Role: domain.RoleEngineer,
			Action: &domain.ToolRequest{Name: "login", Input: map[string]any{
				"username":      "jdoe",
				"user_password": "secret123",
				"details": map[string]any{
					"address":    "123 St",
					"ssn_number": "999-99-9999",
				},
			}},
			Fields: map[string]any{"input": map[string]any{"user_password": "secret123"}},
		},
	})

	require.NoError(t, secure.Save(ctx, "pii", st))
	assert.Equal(t, "secret123", st.History[0].Message.Action.Input["user_password"], "live state untouched")

	stored, err := underlying.Load(ctx, "pii")
	require.NoError(t, err)
	input := stored.History[0].Message.Action.Input
	assert.Equal(t, "jdoe", input["username"])
	assert.Equal(t, middleware.Mask, input["user_password"])
	assert.Equal(t, middleware.Mask, input["details"].(map[string]any)["ssn_number"])
	assert.Equal(t, "123 St", input["details"].(map[string]any)["address"])
	assert.Equal(t, middleware.Mask, stored.History[0].Message.Fields["input"].(map[string]any)["user_password"])
}

func TestPIIMiddleware_InvalidPattern(t *testing.T) {
	_, err := middleware.NewPIIMiddleware([]string{"("})
	assert.Error(t, err)
}

func TestChain_MaskThenSeal(t *testing.T) {
	underlying := memory.NewStore()
	pii, err := middleware.NewPIIMiddleware(middleware.DefaultSensitiveKeys)
	require.NoError(t, err)
	enc, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	require.NoError(t, err)
	store := middleware.Chain(underlying, pii, enc)

	ctx := context.Background()
	st := domain.NewRunState("chain", domain.TaskObjective{Goal: "g"})
	st.Append(domain.HistoryEntry{Iteration: 1, Kind: domain.EntryRoleMessage, Message: &domain.RoleMessage{
		Role:   domain.RoleEngineer,
		Action: &domain.ToolRequest{Name: "shell", Input: map[string]any{"api_key": "k", "command": "ls"}},
	}})
	require.NoError(t, store.Save(ctx, "chain", st))

	raw, err := underlying.Load(ctx, "chain")
	require.NoError(t, err)
	assert.NotEmpty(t, raw.Sealed)

	loaded, err := store.Load(ctx, "chain")
	require.NoError(t, err)
	assert.Equal(t, middleware.Mask, loaded.History[0].Message.Action.Input["api_key"])
	assert.Equal(t, "ls", loaded.History[0].Message.Action.Input["command"])
}

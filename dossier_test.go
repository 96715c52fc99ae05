package dossier_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dossierbot/dossier"
	"github.com/dossierbot/dossier/agent"
	"github.com/dossierbot/dossier/config"
	"github.com/dossierbot/dossier/testutil/mocks"
)

func TestNewHonorsConfiguredRetryCount(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.MaxRetries = 0
	cfg.Database.DSN = filepath.Join(t.TempDir(), "dossier.db")
	cfg.Trace.Disabled = true
	cfg.Log.Level = "error"

	provider := mocks.NewMockProvider() // empty script, every call fails

	bot, err := dossier.New(cfg, provider)
	require.NoError(t, err)
	defer bot.Close(context.Background())

	final, ok := bot.Stream.Collect(context.Background(), "conv-1", "hello")
	require.True(t, ok)
	assert.Equal(t, agent.EventError, final.Type)
	// max_retries 0 means one attempt, no backoff retries.
	assert.Equal(t, 1, provider.Calls())
}

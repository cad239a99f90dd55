package params_test

import (
	"testing"

	"github.com/TAR2003/amarvote-orchestrator/config/params"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := params.DefaultConfig()
	require.Equal(t, 200, cfg.ChunkSize)
	require.Equal(t, 3, cfg.MaxRetryAttempts)
	require.Equal(t, 1, cfg.MaxQueuedChunksPerTask)
	require.Equal(t, 8, cfg.TargetChunksPerCycle)
	require.Equal(t, "tally.creation", cfg.TallyQueue)
	require.Equal(t, "combine.decryption", cfg.CombineQueue)
}

func TestOverrideOrchConfig(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	cfg := params.OrchConfig().Copy()
	cfg.ChunkSize = 17
	params.OverrideOrchConfig(cfg)
	require.Equal(t, 17, params.OrchConfig().ChunkSize)
}

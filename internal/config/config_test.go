package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, "local", cfg.InstanceName)
	require.Equal(t, int64(1), cfg.InferenceCost)
	require.Equal(t, 4, cfg.ParserMaxWorkers)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("KERAI_DATABASE_URL", "postgres://example/test")
	t.Setenv("KERAI_INSTANCE_NAME", "peer-a")
	t.Setenv("KERAI_PARSER_MAX_WORKERS", "8")
	t.Setenv("KERAI_INFERENCE_COST", "5")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "postgres://example/test", cfg.DatabaseURL)
	require.Equal(t, "peer-a", cfg.InstanceName)
	require.Equal(t, 8, cfg.ParserMaxWorkers)
	require.Equal(t, int64(5), cfg.InferenceCost)
}

func TestLoadRejectsMalformedIntEnv(t *testing.T) {
	t.Setenv("KERAI_PARSER_MAX_WORKERS", "not-a-number")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadMissingEnvFileIsNotAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
}

func TestLoadRewardSchedule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reward_schedule.yaml")
	yaml := `
- work_type: parse_file
  reward: 2
  enabled: true
- work_type: model_training
  reward: 10
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	entries, err := LoadRewardSchedule(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "parse_file", entries[0].WorkType)
	require.Equal(t, int64(2), entries[0].Reward)
	require.True(t, entries[0].Enabled)
	require.False(t, entries[1].Enabled)
}

func TestLoadRewardScheduleMissingFile(t *testing.T) {
	_, err := LoadRewardSchedule(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

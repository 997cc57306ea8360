package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpu-index/core/engine"
	"gpu-index/internal/errors"
)

func TestDefaultMatchesEngineDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	got := cfg.EngineSettings()
	want := engine.DefaultEngineConfig()
	assert.Equal(t, want.OutlierMultiplier, got.OutlierMultiplier)
	assert.Equal(t, want.MinOutlierSample, got.MinOutlierSample)
	assert.Equal(t, want.SwingThreshold, got.SwingThreshold)
	assert.Equal(t, want.SanityCeiling, got.SanityCeiling)
	assert.True(t, want.WeightTolerance.Equal(got.WeightTolerance))
	assert.True(t, want.RerunMateriality.Equal(got.RerunMateriality))
	assert.Equal(t, 100, cfg.Publish.Journal.MaxEntries)
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, Default().Engine, cfg.Engine)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := Default()
	cfg.History.Backend = "sqlite"
	cfg.Engine.SwingThreshold = 0.4
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", loaded.History.Backend)
	assert.Equal(t, 0.4, loaded.Engine.SwingThreshold)
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"aws": {"enabled": true}}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.AWS.Enabled)
	assert.Equal(t, "p5.48xlarge", cfg.AWS.InstanceType)
	assert.Equal(t, 8, cfg.AWS.GPUCount)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{"engine": `},
		{"zero swing", `{"engine": {"swing_threshold": 0}}`},
		{"unknown backend", `{"history": {"backend": "s3"}}`},
		{"zero gpus", `{"aws": {"enabled": true, "gpu_count": 0}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0644))
			_, err := Load(path)
			assert.True(t, errors.IsType(err, errors.TypeConfig), "got %v", err)
		})
	}
}

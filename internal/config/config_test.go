package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arlojensen/notecore/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAppliedWhenNoConfigFilesExist(t *testing.T) {
	workDir := t.TempDir()

	cfg, sources, err := config.Load(workDir, "", config.Overrides{
		NotesRootPath: filepath.Join(workDir, "notes"),
		HasNotesRoot:  true,
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(workDir, "notes"), cfg.NotesRootPath)
	assert.Equal(t, 30*time.Second, cfg.AutoSaveInterval)
	assert.Equal(t, 3, cfg.BatchConcurrencyLimit)
	assert.Empty(t, sources.Global)
	assert.Empty(t, sources.Project)
}

func TestLoad_ProjectConfigOverridesDefaults(t *testing.T) {
	workDir := t.TempDir()

	writeFile(t, filepath.Join(workDir, config.ConfigFileName), `{
		// tolerate comments like JSONC
		"auto_save_interval": "1m",
		"batch_concurrency_limit": 7,
	}`)

	cfg, sources, err := config.Load(workDir, "", config.Overrides{
		NotesRootPath: filepath.Join(workDir, "notes"),
		HasNotesRoot:  true,
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.AutoSaveInterval)
	assert.Equal(t, 7, cfg.BatchConcurrencyLimit)
	assert.Equal(t, filepath.Join(workDir, config.ConfigFileName), sources.Project)
}

func TestLoad_CLIOverrideWinsOverProjectConfig(t *testing.T) {
	workDir := t.TempDir()

	writeFile(t, filepath.Join(workDir, config.ConfigFileName), `{"notes_root_path": "/from/file"}`)

	cfg, _, err := config.Load(workDir, "", config.Overrides{
		NotesRootPath: "/from/cli",
		HasNotesRoot:  true,
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "/from/cli", cfg.NotesRootPath)
}

func TestLoad_MissingExplicitConfigPathErrors(t *testing.T) {
	workDir := t.TempDir()

	_, _, err := config.Load(workDir, "does-not-exist.jsonc", config.Overrides{}, nil)

	require.ErrorIs(t, err, config.ErrConfigFileNotFound)
}

func TestLoad_EmptyNotesRootFailsValidation(t *testing.T) {
	workDir := t.TempDir()

	_, _, err := config.Load(workDir, "", config.Overrides{}, nil)

	require.ErrorIs(t, err, config.ErrNotesRootEmpty)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	err := os.WriteFile(path, []byte(content), 0o644)
	require.NoError(t, err)
}

// Package config loads notecore's configuration with the same layered
// precedence and JSONC tolerance the rest of the example corpus uses for
// its own config files, adapted to the fields this system recognizes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

// ErrNotesRootEmpty indicates notes_root_path resolved to the empty string.
var ErrNotesRootEmpty = errors.New("notes_root_path cannot be empty")

// ErrConfigFileNotFound indicates an explicitly requested config file is missing.
var ErrConfigFileNotFound = errors.New("config file not found")

// ErrConfigFileRead indicates a config file exists but could not be read.
var ErrConfigFileRead = errors.New("cannot read config file")

// ErrConfigInvalid indicates a config file's contents failed to parse or validate.
var ErrConfigInvalid = errors.New("invalid config file")

// ConfigFileName is the default project-level config file name.
const ConfigFileName = "notecore.jsonc"

// Config holds every option recognized by the persistence core (spec §6).
type Config struct {
	NotesRootPath         string        `json:"notes_root_path"`
	AutoSaveInterval      time.Duration `json:"auto_save_interval"`
	WalFlushInterval      time.Duration `json:"wal_flush_interval"`
	SaveRetryDelays       []Duration    `json:"save_retry_delays"`
	BatchConcurrencyLimit int           `json:"batch_concurrency_limit"`
	WatcherResumeDelay    time.Duration `json:"watcher_resume_delay"`
	IndexedExtensions     []string      `json:"indexed_extensions"`
	MaxIndexedFileSize    int64         `json:"max_indexed_file_size"`
	ExcludedDirectories   []string      `json:"excluded_directories"`
	PreviewCacheCapacity  int           `json:"preview_cache_capacity"`
	BackupRetentionDays   int           `json:"backup_retention_days"`
	ProjectionPollInterval time.Duration `json:"projection_poll_interval"`
}

// Duration marshals to/from JSON as a Go duration string (e.g. "30s"),
// matching the hand-editable JSONC files the rest of this package reads.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string

	err := json.Unmarshal(data, &s)
	if err != nil {
		return fmt.Errorf("duration: %w", err)
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}

	*d = Duration(parsed)

	return nil
}

// Default returns the configuration described in spec §6's default column.
func Default() Config {
	return Config{
		NotesRootPath:         "",
		AutoSaveInterval:      30 * time.Second,
		WalFlushInterval:      10 * time.Second,
		SaveRetryDelays:       []Duration{Duration(100 * time.Millisecond), Duration(500 * time.Millisecond), Duration(1500 * time.Millisecond)},
		BatchConcurrencyLimit: 3,
		WatcherResumeDelay:    750 * time.Millisecond,
		IndexedExtensions:     []string{".md", ".rtf", ".txt"},
		MaxIndexedFileSize:    10 * 1024 * 1024,
		ExcludedDirectories:   []string{".notecore", ".git"},
		PreviewCacheCapacity:  50,
		BackupRetentionDays:   7,
		ProjectionPollInterval: 5 * time.Second,
	}
}

// RetryDelays converts SaveRetryDelays to plain time.Duration values.
func (c Config) RetryDelays() []time.Duration {
	out := make([]time.Duration, len(c.SaveRetryDelays))
	for i, d := range c.SaveRetryDelays {
		out[i] = time.Duration(d)
	}

	return out
}

// Sources tracks which config files were actually loaded, for diagnostics.
type Sources struct {
	Global  string
	Project string
}

// getGlobalConfigPath returns $XDG_CONFIG_HOME/notecore/config.jsonc or
// ~/.config/notecore/config.jsonc. Returns "" if neither can be determined.
func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "notecore", "config.jsonc")
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "notecore", "config.jsonc")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "notecore", "config.jsonc")
	}

	return ""
}

// Overrides captures the subset of fields a CLI invocation may override.
type Overrides struct {
	NotesRootPath string
	HasNotesRoot  bool
}

// Load loads configuration with the following precedence (highest wins):
//  1. Default()
//  2. Global user config
//  3. Project config at workDir/notecore.jsonc, or an explicit configPath
//  4. CLI overrides
func Load(workDir, configPath string, overrides Overrides, env []string) (Config, Sources, error) {
	cfg := Default()

	var sources Sources

	globalCfg, globalPath, err := loadGlobalConfig(env)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Global = globalPath
	cfg = merge(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, configPath)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Project = projectPath
	cfg = merge(cfg, projectCfg)

	if overrides.HasNotesRoot {
		cfg.NotesRootPath = overrides.NotesRootPath
	}

	err = validate(cfg)
	if err != nil {
		return Config{}, Sources{}, err
	}

	return cfg, sources, nil
}

func loadGlobalConfig(env []string) (Config, string, error) {
	path := getGlobalConfigPath(env)
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	var (
		file      string
		mustExist bool
	)

	if configPath != "" {
		file = configPath
		if !filepath.IsAbs(file) {
			file = filepath.Join(workDir, file)
		}

		mustExist = true

		if _, statErr := os.Stat(file); statErr != nil {
			return Config{}, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
		}
	} else {
		file = filepath.Join(workDir, ConfigFileName)
		mustExist = false
	}

	cfg, loaded, err := loadConfigFile(file, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, file, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled, same as teacher's loader
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		if mustExist {
			return Config{}, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
		}

		return Config{}, false, nil
	}

	cfg, parseErr := parse(data)
	if parseErr != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, parseErr)
	}

	return cfg, true, nil
}

func parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	// Interval fields are read as duration strings ("30s"); these shallower
	// fields take their JSON keys over the embedded Config's.
	var raw struct {
		Config
		AutoSaveInterval       Duration `json:"auto_save_interval"`
		WalFlushInterval       Duration `json:"wal_flush_interval"`
		WatcherResumeDelay     Duration `json:"watcher_resume_delay"`
		ProjectionPollInterval Duration `json:"projection_poll_interval"`
	}

	err = json.Unmarshal(standardized, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	cfg := raw.Config
	cfg.AutoSaveInterval = time.Duration(raw.AutoSaveInterval)
	cfg.WalFlushInterval = time.Duration(raw.WalFlushInterval)
	cfg.WatcherResumeDelay = time.Duration(raw.WatcherResumeDelay)
	cfg.ProjectionPollInterval = time.Duration(raw.ProjectionPollInterval)

	return cfg, nil
}

// merge overlays non-zero fields of overlay onto base.
func merge(base, overlay Config) Config {
	if overlay.NotesRootPath != "" {
		base.NotesRootPath = overlay.NotesRootPath
	}

	if overlay.AutoSaveInterval != 0 {
		base.AutoSaveInterval = overlay.AutoSaveInterval
	}

	if overlay.WalFlushInterval != 0 {
		base.WalFlushInterval = overlay.WalFlushInterval
	}

	if len(overlay.SaveRetryDelays) > 0 {
		base.SaveRetryDelays = overlay.SaveRetryDelays
	}

	if overlay.BatchConcurrencyLimit != 0 {
		base.BatchConcurrencyLimit = overlay.BatchConcurrencyLimit
	}

	if overlay.WatcherResumeDelay != 0 {
		base.WatcherResumeDelay = overlay.WatcherResumeDelay
	}

	if len(overlay.IndexedExtensions) > 0 {
		base.IndexedExtensions = overlay.IndexedExtensions
	}

	if overlay.MaxIndexedFileSize != 0 {
		base.MaxIndexedFileSize = overlay.MaxIndexedFileSize
	}

	if len(overlay.ExcludedDirectories) > 0 {
		base.ExcludedDirectories = overlay.ExcludedDirectories
	}

	if overlay.PreviewCacheCapacity != 0 {
		base.PreviewCacheCapacity = overlay.PreviewCacheCapacity
	}

	if overlay.BackupRetentionDays != 0 {
		base.BackupRetentionDays = overlay.BackupRetentionDays
	}

	if overlay.ProjectionPollInterval != 0 {
		base.ProjectionPollInterval = overlay.ProjectionPollInterval
	}

	return base
}

func validate(cfg Config) error {
	if cfg.NotesRootPath == "" {
		return ErrNotesRootEmpty
	}

	return nil
}

// Format returns cfg as indented JSON.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format config: %w", err)
	}

	return string(data), nil
}

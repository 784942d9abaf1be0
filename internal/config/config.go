// Package config loads vodpull's configuration and sets up logging.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const appName = "vodpull"

// Config is the root configuration
type Config struct {
	API         APIConfig         `mapstructure:"api" yaml:"api"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency" yaml:"concurrency"`
	Download    DownloadConfig    `mapstructure:"download" yaml:"download"`
	FFmpeg      FFmpegConfig      `mapstructure:"ffmpeg" yaml:"ffmpeg"`
	Rclone      RcloneConfig      `mapstructure:"rclone" yaml:"rclone"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Player      PlayerConfig      `mapstructure:"player" yaml:"player"`
}

// APIConfig describes the remote content API
type APIConfig struct {
	APIBase           string        `mapstructure:"api_base" yaml:"api_base"`
	PlayBase          string        `mapstructure:"play_base" yaml:"play_base"`
	Token             string        `mapstructure:"token" yaml:"token"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
}

// StorageConfig holds the on-disk layout
type StorageConfig struct {
	OutputDir  string `mapstructure:"output_dir" yaml:"output_dir"`
	StagingDir string `mapstructure:"staging_dir" yaml:"staging_dir"`
	// WorkDir holds the per-job temp_<id> segment directories
	WorkDir        string `mapstructure:"work_dir" yaml:"work_dir"`
	DBName         string `mapstructure:"db_name" yaml:"db_name"`
	LegacyMetadata bool   `mapstructure:"legacy_metadata" yaml:"legacy_metadata"`
	// MinFreeSpace is in MB; 0 disables the check
	MinFreeSpace int `mapstructure:"min_free_space" yaml:"min_free_space"`
}

// ConcurrencyConfig sizes the worker pools
type ConcurrencyConfig struct {
	MaxVideoTasks   int `mapstructure:"max_video_tasks" yaml:"max_video_tasks"`
	MaxSegmentTasks int `mapstructure:"max_segment_tasks" yaml:"max_segment_tasks"`
	MaxMerges       int `mapstructure:"max_merges" yaml:"max_merges"`
}

// DownloadConfig tunes segment fetching and pacing
type DownloadConfig struct {
	UserAgents       []string      `mapstructure:"user_agents" yaml:"user_agents"`
	Attempts         int           `mapstructure:"attempts" yaml:"attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	SegmentJitterMin time.Duration `mapstructure:"segment_jitter_min" yaml:"segment_jitter_min"`
	SegmentJitterMax time.Duration `mapstructure:"segment_jitter_max" yaml:"segment_jitter_max"`
	JobJitterMin     time.Duration `mapstructure:"job_jitter_min" yaml:"job_jitter_min"`
	JobJitterMax     time.Duration `mapstructure:"job_jitter_max" yaml:"job_jitter_max"`
	SearchPauseMin   time.Duration `mapstructure:"search_pause_min" yaml:"search_pause_min"`
	SearchPauseMax   time.Duration `mapstructure:"search_pause_max" yaml:"search_pause_max"`
}

// FFmpegConfig configures the muxer
type FFmpegConfig struct {
	Binary        string `mapstructure:"binary" yaml:"binary"`
	AtomicReplace bool   `mapstructure:"atomic_replace" yaml:"atomic_replace"`
}

// RcloneConfig configures remote relocation
type RcloneConfig struct {
	Binary     string `mapstructure:"binary" yaml:"binary"`
	RemoteDest string `mapstructure:"remote_dest" yaml:"remote_dest"`
	Transfers  int    `mapstructure:"transfers" yaml:"transfers"`
	BufferSize string `mapstructure:"buffer_size" yaml:"buffer_size"`
	ChunkSize  string `mapstructure:"chunk_size" yaml:"chunk_size"`
}

// LoggingConfig configures slog output and rotation
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
	Color      bool   `mapstructure:"color" yaml:"color"`
}

// DatabaseConfig configures the SQLite metadata store
type DatabaseConfig struct {
	// Path overrides storage.output_dir/storage.db_name
	Path           string `mapstructure:"path" yaml:"path"`
	WALMode        bool   `mapstructure:"wal_mode" yaml:"wal_mode"`
	MaxConnections int    `mapstructure:"max_connections" yaml:"max_connections"`
}

// PlayerConfig configures the serve command
type PlayerConfig struct {
	Listen   string `mapstructure:"listen" yaml:"listen"`
	Password string `mapstructure:"password" yaml:"password"`
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			APIBase:           "https://api.example.com",
			PlayBase:          "https://play.example.com",
			Timeout:           10 * time.Second,
			RequestsPerSecond: 2,
		},
		Storage: StorageConfig{
			OutputDir:      "downloads",
			StagingDir:     "staging",
			WorkDir:        ".",
			DBName:         "videos.db",
			LegacyMetadata: true,
		},
		Concurrency: ConcurrencyConfig{
			MaxVideoTasks:   3,
			MaxSegmentTasks: 16,
			MaxMerges:       1,
		},
		Download: DownloadConfig{
			UserAgents: []string{
				"okhttp/3.12.0",
				"Dalvik/2.1.0 (Linux; U; Android 13; Pixel 7 Build/TQ3A.230805.001)",
				"Dalvik/2.1.0 (Linux; U; Android 12; SM-G991B Build/SP1A.210812.016)",
				"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36",
			},
			Attempts:         3,
			RetryDelay:       time.Second,
			Timeout:          15 * time.Second,
			SegmentJitterMin: 100 * time.Millisecond,
			SegmentJitterMax: 500 * time.Millisecond,
			JobJitterMin:     time.Second,
			JobJitterMax:     5 * time.Second,
			SearchPauseMin:   3 * time.Second,
			SearchPauseMax:   6 * time.Second,
		},
		FFmpeg: FFmpegConfig{
			Binary: "ffmpeg",
		},
		Rclone: RcloneConfig{
			Binary:     "rclone",
			Transfers:  4,
			BufferSize: "64M",
			ChunkSize:  "240M",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
			Color:      true,
		},
		Database: DatabaseConfig{
			WALMode:        true,
			MaxConnections: 4,
		},
		Player: PlayerConfig{
			Listen: "127.0.0.1:3000",
		},
	}
}

// setDefaults registers every default with viper so env overrides work for
// keys absent from the file.
func setDefaults(v *viper.Viper) error {
	raw, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return err
	}
	setTree(v, "", tree)
	return nil
}

func setTree(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setTree(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// Load reads configuration from cfgFile, or from the default locations when
// cfgFile is empty. A missing default file is not an error.
func Load(cfgFile string) (*Config, *viper.Viper, error) {
	v := viper.New()
	if err := setDefaults(v); err != nil {
		return nil, nil, fmt.Errorf("failed to register defaults: %w", err)
	}

	v.SetEnvPrefix(strings.ToUpper(appName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(GetConfigDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Validate rejects settings the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Concurrency.MaxVideoTasks < 1 {
		errs = append(errs, fmt.Errorf("concurrency.max_video_tasks must be positive, got %d", c.Concurrency.MaxVideoTasks))
	}
	if c.Concurrency.MaxSegmentTasks < 1 {
		errs = append(errs, fmt.Errorf("concurrency.max_segment_tasks must be positive, got %d", c.Concurrency.MaxSegmentTasks))
	}
	if c.Concurrency.MaxMerges < 1 {
		errs = append(errs, fmt.Errorf("concurrency.max_merges must be positive, got %d", c.Concurrency.MaxMerges))
	}
	if c.Download.Attempts < 1 {
		errs = append(errs, fmt.Errorf("download.attempts must be positive, got %d", c.Download.Attempts))
	}
	if c.Download.SegmentJitterMax < c.Download.SegmentJitterMin {
		errs = append(errs, errors.New("download.segment_jitter_max is below segment_jitter_min"))
	}
	if c.Download.JobJitterMax < c.Download.JobJitterMin {
		errs = append(errs, errors.New("download.job_jitter_max is below job_jitter_min"))
	}
	if c.Download.SearchPauseMax < c.Download.SearchPauseMin {
		errs = append(errs, errors.New("download.search_pause_max is below search_pause_min"))
	}
	if c.API.PlayBase == "" {
		errs = append(errs, errors.New("api.play_base is required"))
	}
	if c.Storage.OutputDir == "" || c.Storage.StagingDir == "" {
		errs = append(errs, errors.New("storage.output_dir and storage.staging_dir are required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateRemote checks the settings needed to relocate through rclone
func (c *Config) ValidateRemote() error {
	if c.Rclone.RemoteDest == "" {
		return errors.New("rclone.remote_dest is required unless --local is set")
	}
	return nil
}

// DatabasePath returns where the metadata store lives
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Storage.OutputDir, c.Storage.DBName)
}

// LegacyMetadataPath returns the JSON file older versions kept records in
func (c *Config) LegacyMetadataPath() string {
	return filepath.Join(c.Storage.OutputDir, "metadata.json")
}

// SaveDefaultConfig writes the default configuration as YAML to path
func SaveDefaultConfig(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// GetConfigDir returns $XDG_CONFIG_HOME/vodpull
func GetConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, appName)
	}
	return filepath.Join(".", ".config", appName)
}

// getStateDir returns the base directory for logs
func getStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state")
	}
	return os.TempDir()
}

// InitializeDirs creates the config and state directories
func InitializeDirs() error {
	for _, dir := range []string{GetConfigDir(), filepath.Join(getStateDir(), appName)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

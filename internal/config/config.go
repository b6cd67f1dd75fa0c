// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Dir is the store directory created inside a project root.
const Dir = ".lhist"

type Config struct {
	Storage struct {
		PageSize          int `mapstructure:"page_size"`
		PageCacheSize     int `mapstructure:"page_cache_size"`
		ContentCacheSize  int `mapstructure:"content_cache_size"`
		SnapshotCacheSize int `mapstructure:"snapshot_cache_size"`
	} `mapstructure:"storage"`

	Compression struct {
		Level   int `mapstructure:"level"`    // 1=fastest, 4=best
		MinSize int `mapstructure:"min_size"` // bytes
	} `mapstructure:"compression"`

	Ignore      []string      `mapstructure:"ignore"`
	PurgePeriod time.Duration `mapstructure:"purge_period"`
	LogLevel    string        `mapstructure:"log_level"` // debug, info, warn, error, none
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.page_size", 4096)
	v.SetDefault("storage.page_cache_size", 1024)
	v.SetDefault("storage.content_cache_size", 512)
	v.SetDefault("storage.snapshot_cache_size", 16)
	v.SetDefault("compression.level", 2)
	v.SetDefault("compression.min_size", 1024)
	v.SetDefault("ignore", []string{".git", Dir, "node_modules", "vendor", ".idea"})
	v.SetDefault("purge_period", 5*24*time.Hour)
	v.SetDefault("log_level", "info")
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(err) // defaults always decode
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LHIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Path returns the config file location for a project root.
func Path(root string) string {
	return filepath.Join(root, Dir, "config.json")
}

// Load reads the JSON config at path. A missing file yields the defaults;
// LHIST_* environment variables override both.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	ps := c.Storage.PageSize
	if ps < 1024 || ps&(ps-1) != 0 {
		return fmt.Errorf("storage.page_size must be a power of two >= 1024, got %d", ps)
	}
	if c.Compression.Level < 1 || c.Compression.Level > 4 {
		return fmt.Errorf("compression.level must be between 1 and 4, got %d", c.Compression.Level)
	}
	return nil
}

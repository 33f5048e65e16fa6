package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "VIGIL"

type Settings struct {
	Log      LogSettings      `mapstructure:"log"`
	Store    StoreSettings    `mapstructure:"store"`
	Scan     ScanSettings     `mapstructure:"scan"`
	Port     PortSettings     `mapstructure:"port"`
	Web      WebSettings      `mapstructure:"web"`
	OSV      OSVSettings      `mapstructure:"osv"`
	NVD      NVDSettings      `mapstructure:"nvd"`
	Upstream UpstreamSettings `mapstructure:"upstream"`
}

type LogSettings struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type StoreSettings struct {
	// Path of the SQLite database. Empty keeps everything in memory.
	Path string `mapstructure:"path"`
}

type ScanSettings struct {
	// Timeout is the ceiling for a whole scan job.
	Timeout time.Duration `mapstructure:"timeout"`
}

type PortPreset struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
}

type PortSettings struct {
	Quick       PortPreset    `mapstructure:"quick"`
	Full        PortPreset    `mapstructure:"full"`
	Custom      PortPreset    `mapstructure:"custom"`
	BannerGrace time.Duration `mapstructure:"banner_grace"`
}

type WebSettings struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	Nameserver   string        `mapstructure:"nameserver"`
	UserAgent    string        `mapstructure:"user_agent"`
}

type OSVSettings struct {
	Endpoint     string        `mapstructure:"endpoint"`
	MaxBatchSize int           `mapstructure:"max_batch_size"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type NVDSettings struct {
	Endpoint   string        `mapstructure:"endpoint"`
	APIKey     string        `mapstructure:"api_key"`
	MinSpacing time.Duration `mapstructure:"min_spacing"`
	Timeout    time.Duration `mapstructure:"timeout"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

type UpstreamSettings struct {
	Attempts int           `mapstructure:"attempts"`
	Backoff  time.Duration `mapstructure:"backoff"`
}

// Spacing is the minimum gap between two NVD calls. A key raises the
// public quota from 5 to 50 requests per 30 seconds.
func (n NVDSettings) Spacing() time.Duration {
	if n.MinSpacing > 0 {
		return n.MinSpacing
	}
	if n.APIKey != "" {
		return 600 * time.Millisecond
	}
	return 6 * time.Second
}

func setDefaults(v *viper.Viper) {
	// Every key needs a default so that VIGIL_* variables reach Unmarshal.
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("log.file", "")

	v.SetDefault("store.path", filepath.Join(HomeDir(), "vigil.db"))

	v.SetDefault("scan.timeout", 30*time.Minute)

	v.SetDefault("port.quick.timeout", time.Second)
	v.SetDefault("port.quick.concurrency", 24)
	v.SetDefault("port.full.timeout", 2*time.Second)
	v.SetDefault("port.full.concurrency", 100)
	v.SetDefault("port.custom.timeout", 2*time.Second)
	v.SetDefault("port.custom.concurrency", 50)
	v.SetDefault("port.banner_grace", 1500*time.Millisecond)

	v.SetDefault("web.timeout", 10*time.Second)
	v.SetDefault("web.max_body_bytes", 1<<20)
	v.SetDefault("web.user_agent", "vigil-scanner/1.0")
	v.SetDefault("web.nameserver", "")

	v.SetDefault("osv.endpoint", "https://api.osv.dev")
	v.SetDefault("osv.max_batch_size", 1000)
	v.SetDefault("osv.timeout", 30*time.Second)

	v.SetDefault("nvd.endpoint", "https://services.nvd.nist.gov/rest/json/cves/2.0")
	v.SetDefault("nvd.api_key", "")
	v.SetDefault("nvd.min_spacing", time.Duration(0))
	v.SetDefault("nvd.timeout", 30*time.Second)
	v.SetDefault("nvd.cache_ttl", 24*time.Hour)

	v.SetDefault("upstream.attempts", 3)
	v.SetDefault("upstream.backoff", 2*time.Second)
}

// Load reads vigil.yaml from the given file, or from the working directory
// and the data directory, then applies VIGIL_* environment overrides.
// A missing config file is not an error.
func Load(file string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("vigil")
		v.AddConfigPath(".")
		v.AddConfigPath(HomeDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return s, nil
}

// Default returns the built-in settings without reading files or the
// environment.
func Default() *Settings {
	v := viper.New()
	setDefaults(v)
	s := &Settings{}
	_ = v.Unmarshal(s)
	return s
}

// HomeDir is the data directory, ~/.vigil.
func HomeDir() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		dir, _ = os.Getwd()
	}
	return filepath.Join(dir, ".vigil")
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	BackendSQLite  = "sqlite"
	BackendElastic = "elastic"
)

type Config struct {
	DataDir         string        `yaml:"data_dir" env:"RUBRIC_DATA_DIR"`
	DBPath          string        `yaml:"db_path" env:"RUBRIC_DB_PATH"`
	Backend         string        `yaml:"backend" env:"RUBRIC_BACKEND"`
	ElasticURLs     []string      `yaml:"elastic_urls" env:"RUBRIC_ELASTIC_URLS" envSeparator:","`
	IndexPrefix     string        `yaml:"index_prefix" env:"RUBRIC_INDEX_PREFIX"`
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"RUBRIC_REFRESH_INTERVAL"`
	StoreTimeout    time.Duration `yaml:"store_timeout" env:"RUBRIC_STORE_TIMEOUT"`
	LogLevel        string        `yaml:"log_level" env:"RUBRIC_LOG_LEVEL"`
	LogFormat       string        `yaml:"log_format" env:"RUBRIC_LOG_FORMAT"`
}

// New returns the defaults rooted at dataDir.
func New(dataDir string) (Config, error) {
	if dataDir == "" {
		return Config{}, fmt.Errorf("data dir is required")
	}
	return Config{
		DataDir:         dataDir,
		DBPath:          defaultDBPath(dataDir),
		Backend:         BackendSQLite,
		ElasticURLs:     []string{"http://localhost:9200"},
		IndexPrefix:     "rubric",
		RefreshInterval: time.Second,
		StoreTimeout:    10 * time.Second,
		LogLevel:        "INFO",
		LogFormat:       "text",
	}, nil
}

// Load layers an optional YAML file and RUBRIC_* environment variables over
// the defaults. A missing file at path is not an error.
func Load(dataDir, path string) (Config, error) {
	cfg, err := New(dataDir)
	if err != nil {
		return Config{}, err
	}
	cfg.DBPath = ""
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env config: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath(cfg.DataDir)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendSQLite:
		if strings.TrimSpace(c.DBPath) == "" {
			return fmt.Errorf("db path is required for the %s backend", c.Backend)
		}
	case BackendElastic:
		if len(c.ElasticURLs) == 0 {
			return fmt.Errorf("elastic urls are required for the %s backend", c.Backend)
		}
	default:
		return fmt.Errorf("unsupported backend %q", c.Backend)
	}
	if strings.TrimSpace(c.IndexPrefix) == "" {
		return fmt.Errorf("index prefix is required")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}
	return nil
}

// IndexName returns the prefixed name of a logical index.
func (c Config) IndexName(name string) string {
	return c.IndexPrefix + "." + name
}

func defaultDBPath(dataDir string) string {
	return filepath.Join(dataDir, ".rubric", "index.db")
}

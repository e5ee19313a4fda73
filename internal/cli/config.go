package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "configs/groupmesh.yaml"

// envPrefix 環境變數前綴
const envPrefix = "GROUPMESH_"

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Ledger struct {
		Listen string `yaml:"listen"` // serve the loopback ledger over gRPC
		Remote string `yaml:"remote"` // use a remote ledger instead of the loopback
	} `yaml:"ledger"`

	Mesh struct {
		Enabled  bool   `yaml:"enabled"`
		RelayURL string `yaml:"relay_url"` // remote hub; empty uses the embedded hub
	} `yaml:"mesh"`

	WAL struct {
		Path         string `yaml:"path"`
		SyncOnAppend bool   `yaml:"sync_on_append"`
	} `yaml:"wal"`

	Snapshot struct {
		Path     string        `yaml:"path"`
		Interval time.Duration `yaml:"interval"`
		Backups  int           `yaml:"backups"`
	} `yaml:"snapshot"`

	History struct {
		Retention     time.Duration `yaml:"retention"`
		KeepImportant bool          `yaml:"keep_important"`
		PruneInterval time.Duration `yaml:"prune_interval"`
	} `yaml:"history"`

	Encryption struct {
		MaxKeyRotations int `yaml:"max_key_rotations"`
		KeyPushLimit    int `yaml:"key_push_limit"` // larger groups pull sender keys
	} `yaml:"encryption"`

	Storage struct {
		PostgresDSN   string `yaml:"postgres_dsn"` // empty keeps messages in memory
		Migrate       bool   `yaml:"migrate"`
		RedisAddr     string `yaml:"redis_addr"` // empty keeps key distributions in memory
		RedisPassword string `yaml:"redis_password"`
		RedisDB       int    `yaml:"redis_db"`
	} `yaml:"storage"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`
}

func defaultConfig() *Config {
	var cfg Config
	cfg.HTTP.Addr = ":8080"
	cfg.Mesh.Enabled = true
	cfg.WAL.Path = "data/distributions.wal"
	cfg.Snapshot.Path = "data/history.snapshot"
	cfg.Snapshot.Interval = 5 * time.Minute
	cfg.Snapshot.Backups = 3
	cfg.History.Retention = 90 * 24 * time.Hour
	cfg.History.KeepImportant = true
	cfg.History.PruneInterval = time.Hour
	cfg.Storage.Migrate = true
	cfg.Metrics.Enabled = true
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

// loadConfig 載入順序：預設值 → YAML → .env → GROUPMESH_* 環境變數
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && path == DefaultConfigPath:
		// 預設路徑不存在時只用預設值
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	// .env 缺少不是錯誤
	_ = godotenv.Load()

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from GROUPMESH_* variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"HTTP_ADDR":      &cfg.HTTP.Addr,
		"LEDGER_LISTEN":  &cfg.Ledger.Listen,
		"LEDGER_REMOTE":  &cfg.Ledger.Remote,
		"MESH_RELAY_URL": &cfg.Mesh.RelayURL,
		"WAL_PATH":       &cfg.WAL.Path,
		"SNAPSHOT_PATH":  &cfg.Snapshot.Path,
		"POSTGRES_DSN":   &cfg.Storage.PostgresDSN,
		"REDIS_ADDR":     &cfg.Storage.RedisAddr,
		"REDIS_PASSWORD": &cfg.Storage.RedisPassword,
		"LOG_LEVEL":      &cfg.Log.Level,
		"LOG_FORMAT":     &cfg.Log.Format,
	}
	for key, dst := range str {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"SNAPSHOT_INTERVAL": &cfg.Snapshot.Interval,
		"HISTORY_RETENTION": &cfg.History.Retention,
	}
	for key, dst := range durations {
		if v, ok := lookup(envPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = d
		}
	}

	bools := map[string]*bool{
		"MESH_ENABLED":    &cfg.Mesh.Enabled,
		"METRICS_ENABLED": &cfg.Metrics.Enabled,
		"WAL_SYNC":        &cfg.WAL.SyncOnAppend,
	}
	for key, dst := range bools {
		if v, ok := lookup(envPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = b
		}
	}

	if v, ok := lookup(envPrefix + "REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREDIS_DB: %w", envPrefix, err)
		}
		cfg.Storage.RedisDB = n
	}
	return nil
}

// setupLogger installs the process-wide slog handler.
func setupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if strings.EqualFold(cfg.Log.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}

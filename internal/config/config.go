package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mcuadros/go-defaults"
	"github.com/sethvargo/go-envconfig"
)

// Config represents runtime configuration for the service.
type Config struct {
	// ModelType is the single model type this deployment serves. It is read
	// once at startup and never changes for the life of the process.
	ModelType   string         `json:"model_type" env:"MODEL_TYPE" default:"default"`
	BasicConfig BasicConfig    `json:"basic_config"`
	Database    DatabaseConfig `json:"database"`
	Redis       RedisConfig    `json:"redis"`
	Handler     HandlerConfig  `json:"handler"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address" env:"SYNTHTUNE_SERVER_ADDRESS" default:":8090"`
	// WorkDir is where per-request scratch directories are created. Empty
	// means the OS temp dir.
	WorkDir              string   `json:"work_dir" env:"SYNTHTUNE_WORK_DIR"`
	MaxUploadMB          int64    `json:"max_upload_mb" env:"SYNTHTUNE_MAX_UPLOAD_MB" default:"512"`
	MaxExtractMB         int64    `json:"max_extract_mb" env:"SYNTHTUNE_MAX_EXTRACT_MB" default:"2048"`
	MaxArchiveEntries    int      `json:"max_archive_entries" env:"SYNTHTUNE_MAX_ARCHIVE_ENTRIES" default:"10000"`
	MaxWorkers           int      `json:"max_workers" env:"SYNTHTUNE_MAX_WORKERS" default:"0"`
	MinWorkers           int      `json:"min_workers" env:"SYNTHTUNE_MIN_WORKERS" default:"0"`
	QueueSize            int      `json:"queue_size" env:"SYNTHTUNE_QUEUE_SIZE" default:"16"`
	WorkerIdleTimeout    int      `json:"worker_idle_timeout" env:"SYNTHTUNE_WORKER_IDLE_TIMEOUT" default:"5"`        // minutes
	ScratchSweepInterval int      `json:"scratch_sweep_interval" env:"SYNTHTUNE_SCRATCH_SWEEP_INTERVAL" default:"60"` // minutes
	ScratchTTL           int      `json:"scratch_ttl" env:"SYNTHTUNE_SCRATCH_TTL" default:"1440"`                     // minutes
	ShutdownTimeout      int      `json:"shutdown_timeout_seconds" env:"SYNTHTUNE_SHUTDOWN_TIMEOUT" default:"30"`
	EnablePprof          bool     `json:"enable_pprof" env:"SYNTHTUNE_ENABLE_PPROF" default:"false"`
	CORSOrigins          []string `json:"cors_origins" env:"SYNTHTUNE_CORS_ORIGINS"`
}

type DatabaseConfig struct {
	// Driver is sqlite3, mysql or none.
	Driver   string `json:"driver" env:"SYNTHTUNE_DB" default:"sqlite3"`
	DSN      string `json:"dsn" env:"SYNTHTUNE_DB_DSN" default:"data/synthtune.db"`
	Host     string `json:"host" env:"SYNTHTUNE_DB_HOST" default:"127.0.0.1"`
	Port     int    `json:"port" env:"SYNTHTUNE_DB_PORT" default:"3306"`
	Username string `json:"username" env:"SYNTHTUNE_DB_USERNAME"`
	Password string `json:"password" env:"SYNTHTUNE_DB_PASSWORD"`
	DBName   string `json:"db_name" env:"SYNTHTUNE_DB_NAME" default:"synthtune"`
	Params   string `json:"params" env:"SYNTHTUNE_DB_PARAMS" default:"parseTime=true"`
}

type RedisConfig struct {
	// Host empty disables redis.
	Host     string `json:"host" env:"SYNTHTUNE_REDIS_HOST"`
	Port     int    `json:"port" env:"SYNTHTUNE_REDIS_PORT" default:"6379"`
	Username string `json:"username" env:"SYNTHTUNE_REDIS_USERNAME"`
	Password string `json:"password" env:"SYNTHTUNE_REDIS_PASSWORD"`
	DB       int    `json:"db" env:"SYNTHTUNE_REDIS_DB" default:"0"`
}

type HandlerConfig struct {
	// Kind selects the model handler: bootstrap, remote or llm.
	Kind      string          `json:"kind" env:"SYNTHTUNE_HANDLER" default:"bootstrap"`
	Bootstrap BootstrapConfig `json:"bootstrap"`
	Remote    RemoteConfig    `json:"remote"`
	LLM       LLMConfig       `json:"llm"`
}

type BootstrapConfig struct {
	Seed uint64 `json:"seed" env:"SYNTHTUNE_BOOTSTRAP_SEED" default:"42"`
	// Rows is the number of rows to generate; 0 means as many as were trained on.
	Rows int `json:"rows" env:"SYNTHTUNE_BOOTSTRAP_ROWS" default:"0"`
}

type RemoteConfig struct {
	BaseURL        string `json:"base_url" env:"SYNTHTUNE_REMOTE_URL" default:"http://127.0.0.1:9000"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"SYNTHTUNE_REMOTE_TIMEOUT" default:"0"`
	ReadyAttempts  uint   `json:"ready_attempts" env:"SYNTHTUNE_REMOTE_READY_ATTEMPTS" default:"30"`
}

type LLMConfig struct {
	Provider string `json:"provider" env:"SYNTHTUNE_LLM_PROVIDER" default:"openai"`
	Model    string `json:"model" env:"SYNTHTUNE_LLM_MODEL" default:"gpt-4o-mini"`
	BaseURL  string `json:"base_url" env:"SYNTHTUNE_LLM_BASE_URL"`
	APIKey   string `json:"api_key" env:"SYNTHTUNE_LLM_API_KEY"`
	Rows     int    `json:"rows" env:"SYNTHTUNE_LLM_ROWS" default:"50"`
}

// Load builds the configuration from struct defaults, then the optional JSON
// file at path, then the environment. Environment values win.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	defaults.SetDefaults(cfg)

	var baseDir string
	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		file, err := os.Open(absPath)
		if err != nil {
			return nil, fmt.Errorf("open config %s: %w", absPath, err)
		}
		defer file.Close()
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		baseDir = filepath.Dir(absPath)
	}

	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:           cfg,
		DefaultOverwrite: true,
	}); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Database.Driver == "sqlite3" && baseDir != "" && cfg.Database.DSN != ":memory:" && !filepath.IsAbs(cfg.Database.DSN) {
		cfg.Database.DSN = filepath.Join(baseDir, cfg.Database.DSN)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.ModelType) == "" {
		return fmt.Errorf("model_type must be configured")
	}
	if c.BasicConfig.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be positive")
	}
	if c.BasicConfig.MaxExtractMB <= 0 {
		return fmt.Errorf("max_extract_mb must be positive")
	}
	if c.BasicConfig.MaxWorkers < 0 || c.BasicConfig.MinWorkers < 0 {
		return fmt.Errorf("worker counts cannot be negative")
	}
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "sqlite3":
		c.Database.Driver = "sqlite3"
	case "mysql", "none":
		c.Database.Driver = strings.ToLower(c.Database.Driver)
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	switch c.Handler.Kind {
	case "bootstrap", "remote", "llm":
	default:
		return fmt.Errorf("unsupported handler kind: %s", c.Handler.Kind)
	}
	return nil
}

// UploadLimit returns the multipart upload limit in bytes.
func (b BasicConfig) UploadLimit() int64 {
	return b.MaxUploadMB << 20
}

// ExtractLimit returns the cumulative uncompressed size limit in bytes.
func (b BasicConfig) ExtractLimit() int64 {
	return b.MaxExtractMB << 20
}

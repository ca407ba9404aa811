// Package config loads runtime settings from the environment (with optional
// .env file) and an optional YAML file. File values fill in only what the
// environment left unset.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Executor ExecutorConfig `yaml:"executor"`
	// Allowlist is the set of tool names the pipeline validator accepts.
	Allowlist []string `yaml:"allowlist"`
}

type StoreConfig struct {
	Backend       string        `yaml:"backend"`
	SQLitePath    string        `yaml:"sqlitePath"`
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDb"`
	RedisTTL      time.Duration `yaml:"redisTtl"`
}

type ExecutorConfig struct {
	MaxRetries         int           `yaml:"maxRetries"`
	RetryBaseDelay     time.Duration `yaml:"retryBaseDelay"`
	StepTimeout        time.Duration `yaml:"stepTimeout"`
	TaskTimeout        time.Duration `yaml:"taskTimeout"`
	CheckpointStrategy string        `yaml:"checkpointStrategy"`
	CheckpointKeep     int           `yaml:"checkpointKeep"`
	CheckpointMaxAge   time.Duration `yaml:"checkpointMaxAge"`
	ContinueOnFailure  bool          `yaml:"continueOnFailure"`
}

func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend:    "sqlite",
			SQLitePath: "./.stepflow/state.db",
			RedisAddr:  "127.0.0.1:6379",
			RedisTTL:   72 * time.Hour,
		},
		Executor: ExecutorConfig{
			MaxRetries:         3,
			RetryBaseDelay:     100 * time.Millisecond,
			StepTimeout:        30 * time.Second,
			TaskTimeout:        10 * time.Minute,
			CheckpointStrategy: "every_iteration",
			CheckpointKeep:     5,
			CheckpointMaxAge:   24 * time.Hour,
		},
	}
}

// Load reads a .env file when present, then the environment, then the
// optional YAML file at path (empty path skips the file).
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to decode config file %q: %w", path, err)
		}
	}

	cfg.Store.Backend = Getenv("STEPFLOW_STATE_BACKEND", cfg.Store.Backend)
	cfg.Store.SQLitePath = Getenv("STEPFLOW_SQLITE_PATH", cfg.Store.SQLitePath)
	cfg.Store.RedisAddr = Getenv("STEPFLOW_REDIS_ADDR", cfg.Store.RedisAddr)
	cfg.Store.RedisPassword = Getenv("STEPFLOW_REDIS_PASSWORD", cfg.Store.RedisPassword)
	cfg.Store.RedisDB = GetenvInt("STEPFLOW_REDIS_DB", cfg.Store.RedisDB)
	cfg.Store.RedisTTL = GetenvDuration("STEPFLOW_REDIS_TTL", cfg.Store.RedisTTL)

	cfg.Executor.MaxRetries = GetenvInt("STEPFLOW_MAX_RETRIES", cfg.Executor.MaxRetries)
	cfg.Executor.RetryBaseDelay = GetenvDuration("STEPFLOW_RETRY_BASE_DELAY", cfg.Executor.RetryBaseDelay)
	cfg.Executor.StepTimeout = GetenvDuration("STEPFLOW_STEP_TIMEOUT", cfg.Executor.StepTimeout)
	cfg.Executor.TaskTimeout = GetenvDuration("STEPFLOW_TASK_TIMEOUT", cfg.Executor.TaskTimeout)
	cfg.Executor.CheckpointStrategy = Getenv("STEPFLOW_CHECKPOINT_STRATEGY", cfg.Executor.CheckpointStrategy)
	cfg.Executor.CheckpointKeep = GetenvInt("STEPFLOW_CHECKPOINT_KEEP", cfg.Executor.CheckpointKeep)
	cfg.Executor.CheckpointMaxAge = GetenvDuration("STEPFLOW_CHECKPOINT_MAX_AGE", cfg.Executor.CheckpointMaxAge)
	cfg.Executor.ContinueOnFailure = GetenvBool("STEPFLOW_CONTINUE_ON_FAILURE", cfg.Executor.ContinueOnFailure)

	return cfg, nil
}

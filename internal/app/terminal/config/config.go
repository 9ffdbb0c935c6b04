package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultEnv         = "local"
	defaultCentralURL  = "http://localhost:8080"
	defaultLocalDBPath = "possync.db"
	defaultInterval    = "5m"
)

type Config struct {
	Env          string `mapstructure:"app_env"`
	TerminalID   string `mapstructure:"terminal_id"`
	CentralURL   string `mapstructure:"central_url"`
	CentralToken string `mapstructure:"central_token"`
	LocalDBPath  string `mapstructure:"local_db_path"`
	Sync         Sync   `mapstructure:"sync"`
}

// Sync параметры цикла синхронизации
type Sync struct {
	Enabled          bool          `mapstructure:"enabled"`
	PushBatchSize    int           `mapstructure:"push_batch_size"`
	PushConcurrency  int           `mapstructure:"push_concurrency"`
	PullConcurrency  int           `mapstructure:"pull_concurrency"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	Timeout          time.Duration `mapstructure:"timeout"`
	Interval         string        `mapstructure:"interval"`
	HeartbeatEvery   time.Duration `mapstructure:"heartbeat_interval"`
	NotifyEnabled    bool          `mapstructure:"notify"`
	MappingsOverride string        `mapstructure:"mappings_path"`
}

// Load читает .env, переменные окружения и (если задан) YAML файл.
// Флаги cobra привязываются к viper до вызова.
func Load(configFile string) (*Config, error) {
	envPath := ".env"
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		envPath = "../.env"
	}
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			fmt.Printf("Ошибка загрузки .env файла: %v\n", err)
		}
	}

	v := viper.GetViper()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("ошибка чтения конфигурации %s: %w", configFile, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app_env", defaultEnv)
	v.SetDefault("central_url", defaultCentralURL)
	v.SetDefault("local_db_path", defaultLocalDBPath)
	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.push_batch_size", 100)
	v.SetDefault("sync.push_concurrency", 4)
	v.SetDefault("sync.pull_concurrency", 2)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.retry_attempts", 2)
	v.SetDefault("sync.retry_delay_ms", 500)
	v.SetDefault("sync.timeout_ms", 30000)
	v.SetDefault("sync.interval", defaultInterval)
	v.SetDefault("sync.heartbeat_interval", 30*time.Second)
	v.SetDefault("sync.notify", true)

	cfg := &Config{
		Env:          v.GetString("app_env"),
		TerminalID:   v.GetString("terminal_id"),
		CentralURL:   strings.TrimRight(v.GetString("central_url"), "/"),
		CentralToken: v.GetString("central_token"),
		LocalDBPath:  v.GetString("local_db_path"),
		Sync: Sync{
			Enabled:          v.GetBool("sync.enabled"),
			PushBatchSize:    v.GetInt("sync.push_batch_size"),
			PushConcurrency:  v.GetInt("sync.push_concurrency"),
			PullConcurrency:  v.GetInt("sync.pull_concurrency"),
			MaxRetries:       v.GetInt("sync.max_retries"),
			RetryAttempts:    v.GetInt("sync.retry_attempts"),
			RetryDelay:       time.Duration(v.GetInt("sync.retry_delay_ms")) * time.Millisecond,
			Timeout:          time.Duration(v.GetInt("sync.timeout_ms")) * time.Millisecond,
			Interval:         v.GetString("sync.interval"),
			HeartbeatEvery:   v.GetDuration("sync.heartbeat_interval"),
			NotifyEnabled:    v.GetBool("sync.notify"),
			MappingsOverride: v.GetString("sync.mappings_path"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("ошибка конфигурации: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.TerminalID == "" {
		return fmt.Errorf("terminal_id не может быть пустым")
	}
	if c.CentralURL == "" {
		return fmt.Errorf("central_url не может быть пустым")
	}
	if c.LocalDBPath == "" {
		return fmt.Errorf("local_db_path не может быть пустым")
	}
	if c.Sync.PushBatchSize <= 0 {
		return fmt.Errorf("sync.push_batch_size должен быть больше нуля")
	}
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries должен быть больше нуля")
	}
	return nil
}

func (c *Config) IsProd() bool {
	return c.Env == "prod"
}

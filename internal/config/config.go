package config

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPath  = ".env"
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

// Config конфигурация центрального сервера синхронизации
type Config struct {
	Env       string
	DB        DB
	Server    Server
	Logger    Logger
	Auth      Auth
	RateLimit RateLimit
	Sync      Sync
}

type DB struct {
	DatabaseURI string `env:"DATABASE_URI"`
	Migrations  string `env:"MIGRATIONS_PATH"`
}

type Server struct {
	RunAddress      string        `env:"RUN_ADDRESS"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
}

type Logger struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

type Auth struct {
	JWTSecret string `env:"JWT_SECRET"`
}

type RateLimit struct {
	RPS   float64 `env:"RATE_LIMIT_RPS"`
	Burst int     `env:"RATE_LIMIT_BURST"`
}

type Sync struct {
	MappingsPath     string        `env:"SYNC_MAPPINGS_PATH"`
	TerminalCacheTTL time.Duration `env:"TERMINAL_CACHE_TTL"`
	ChangeSettle     time.Duration `env:"SYNC_CHANGE_SETTLE"`
}

// MustLoad читает .env (если есть) и переменные окружения.
// Без JWT_SECRET сервер не стартует.
func MustLoad() *Config {
	if err := godotenv.Load(envPath); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	viper.AutomaticEnv()
	viper.SetDefault("app_env", EnvLocal)
	viper.SetDefault("run_address", ":8080")
	viper.SetDefault("migrations_path", "migrations")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("shutdown_timeout", 10*time.Second)
	viper.SetDefault("rate_limit_rps", 20.0)
	viper.SetDefault("rate_limit_burst", 40)
	viper.SetDefault("terminal_cache_ttl", 30*time.Second)
	viper.SetDefault("sync_change_settle", 2*time.Second)

	cfg := &Config{
		Env: viper.GetString("app_env"),
		DB: DB{
			DatabaseURI: viper.GetString("database_uri"),
			Migrations:  viper.GetString("migrations_path"),
		},
		Server: Server{
			RunAddress:      viper.GetString("run_address"),
			ShutdownTimeout: viper.GetDuration("shutdown_timeout"),
		},
		Logger:    Logger{LogLevel: viper.GetString("log_level")},
		Auth:      Auth{JWTSecret: viper.GetString("jwt_secret")},
		RateLimit: RateLimit{RPS: viper.GetFloat64("rate_limit_rps"), Burst: viper.GetInt("rate_limit_burst")},
		Sync: Sync{
			MappingsPath:     viper.GetString("sync_mappings_path"),
			TerminalCacheTTL: viper.GetDuration("terminal_cache_ttl"),
			ChangeSettle:     viper.GetDuration("sync_change_settle"),
		},
	}

	if cfg.DB.DatabaseURI == "" {
		log.Fatalln("DATABASE_URI is required")
	}
	if cfg.Auth.JWTSecret == "" {
		log.Fatalln("JWT_SECRET is required")
	}

	return cfg
}

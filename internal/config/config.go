// Package config loads runtime settings from the environment.
//
// Precedence, highest first: command-line flags, process environment, the
// .env file, built-in defaults. godotenv never overrides variables that are
// already set, so a real environment always wins over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sakif/civic-reports/internal/lifecycle"
)

// DefaultEnvFile is read when no --env-file is given. Its absence is not an
// error.
const DefaultEnvFile = ".env"

// Config holds every setting the server, migrate and sweep commands need.
type Config struct {
	Port     int
	LogLevel slog.Level
	LogJSON  bool
	Version  string

	Database  DatabaseConfig
	Auth      AuthConfig
	Lifecycle LifecycleConfig
	Storage   StorageConfig

	NATSURL           string
	NATSSubjectPrefix string

	SentryDSN         string
	SentryEnvironment string

	SweepSchedule  string
	AllowedOrigins []string
}

// DatabaseConfig selects the repository backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (database/sql), "postgres" or "gorm-sqlite" (gorm).
	Driver       string
	Path         string // sqlite file for the raw driver
	DSN          string // gorm drivers
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
}

type AuthConfig struct {
	JWTSecret          string
	JWTExpiry          time.Duration
	ModeratorUsernames []string
	SecureCookies      bool

	GitHubClientID     string
	GitHubClientSecret string
	GitHubCallbackURL  string
}

// GitHubEnabled reports whether the OAuth routes should be mounted.
func (a AuthConfig) GitHubEnabled() bool {
	return a.GitHubClientID != "" && a.GitHubClientSecret != ""
}

type LifecycleConfig struct {
	Policy     string // "permissive" or "strict"
	Moderators bool
}

type StorageConfig struct {
	Backend            string // "local" or "gcs"
	UploadDir          string
	PublicBaseURL      string
	GCSBucket          string
	GCSCredentialsFile string
}

// Load reads envFile (when present), then the environment, then any flags
// in flags that were explicitly set. flags may be nil.
//
// An envFile other than DefaultEnvFile must exist.
func Load(envFile string, flags *pflag.FlagSet) (Config, error) {
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || envFile != DefaultEnvFile {
			return Config{}, fmt.Errorf("config: loading %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	// DATABASE_URL is what most hosting platforms inject.
	if err := v.BindEnv("db_dsn", "DB_DSN", "DATABASE_URL"); err != nil {
		return Config{}, fmt.Errorf("config: binding db_dsn: %w", err)
	}

	if flags != nil {
		if f := flags.Lookup("port"); f != nil {
			if err := v.BindPFlag("port", f); err != nil {
				return Config{}, fmt.Errorf("config: binding --port: %w", err)
			}
		}
	}

	level, err := parseLevel(v.GetString("log_level"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port:     v.GetInt("port"),
		LogLevel: level,
		LogJSON:  strings.EqualFold(v.GetString("log_format"), "json"),
		Version:  v.GetString("app_version"),
		Database: DatabaseConfig{
			Driver:       strings.ToLower(v.GetString("db_driver")),
			Path:         v.GetString("db_path"),
			DSN:          v.GetString("db_dsn"),
			MaxOpenConns: v.GetInt("db_max_open_conns"),
			MaxIdleConns: v.GetInt("db_max_idle_conns"),
			QueryTimeout: v.GetDuration("db_query_timeout"),
		},
		Auth: AuthConfig{
			JWTSecret:          v.GetString("jwt_secret"),
			JWTExpiry:          v.GetDuration("jwt_expiry"),
			ModeratorUsernames: splitList(v.GetString("moderator_usernames")),
			SecureCookies:      v.GetBool("secure_cookies"),
			GitHubClientID:     v.GetString("github_client_id"),
			GitHubClientSecret: v.GetString("github_client_secret"),
			GitHubCallbackURL:  v.GetString("github_callback_url"),
		},
		Lifecycle: LifecycleConfig{
			Policy:     strings.ToLower(v.GetString("lifecycle_policy")),
			Moderators: v.GetBool("lifecycle_moderators"),
		},
		Storage: StorageConfig{
			Backend:            strings.ToLower(v.GetString("storage_backend")),
			UploadDir:          v.GetString("upload_dir"),
			PublicBaseURL:      v.GetString("storage_public_base_url"),
			GCSBucket:          v.GetString("gcs_bucket"),
			GCSCredentialsFile: v.GetString("gcs_credentials_file"),
		},
		NATSURL:           v.GetString("nats_url"),
		NATSSubjectPrefix: v.GetString("nats_subject_prefix"),
		SentryDSN:         v.GetString("sentry_dsn"),
		SentryEnvironment: v.GetString("sentry_environment"),
		SweepSchedule:     v.GetString("orphan_sweep_schedule"),
		AllowedOrigins:    splitList(v.GetString("cors_allowed_origins")),
	}

	if cfg.Auth.GitHubCallbackURL == "" {
		cfg.Auth.GitHubCallbackURL = fmt.Sprintf("http://localhost:%d/auth/github/callback", cfg.Port)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8000)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("app_version", "1.0.0")

	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("db_path", "data/civic.db")
	v.SetDefault("db_max_open_conns", 10)
	v.SetDefault("db_max_idle_conns", 5)
	v.SetDefault("db_query_timeout", "0s")

	v.SetDefault("jwt_expiry", "30m")
	v.SetDefault("secure_cookies", false)

	v.SetDefault("lifecycle_policy", "permissive")
	v.SetDefault("lifecycle_moderators", false)

	v.SetDefault("storage_backend", "local")
	v.SetDefault("upload_dir", "data/uploads")

	v.SetDefault("nats_subject_prefix", "civic")
	v.SetDefault("sentry_environment", "development")
	v.SetDefault("orphan_sweep_schedule", "@every 10m")
	v.SetDefault("cors_allowed_origins", "*")
}

// Validate checks the settings the serve command cannot start without.
// migrate and sweep skip it because they never issue tokens.
func (c Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d is out of range", c.Port))
	}
	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 16 characters"))
	}
	if c.Auth.JWTExpiry <= 0 {
		errs = append(errs, errors.New("JWT_EXPIRY must be positive"))
	}
	if err := c.ValidateStore(); err != nil {
		errs = append(errs, err)
	}
	if _, err := lifecycle.TableByName(c.Lifecycle.Policy); err != nil {
		errs = append(errs, err)
	}

	switch c.Storage.Backend {
	case "local":
		if c.Storage.UploadDir == "" {
			errs = append(errs, errors.New("UPLOAD_DIR is required for the local storage backend"))
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			errs = append(errs, errors.New("GCS_BUCKET is required for the gcs storage backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q (want local or gcs)", c.Storage.Backend))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ValidateStore checks only the database settings.
func (c Config) ValidateStore() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("DB_PATH is required for the sqlite driver")
		}
	case "postgres", "gorm-sqlite":
		if c.Database.DSN == "" {
			return fmt.Errorf("DB_DSN is required for the %s driver", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q (want sqlite, postgres or gorm-sqlite)", c.Database.Driver)
	}
	if c.Database.QueryTimeout < 0 {
		return errors.New("DB_QUERY_TIMEOUT must not be negative")
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: invalid LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

// splitList parses a comma-separated value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

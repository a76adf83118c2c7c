package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/timesync/internal/backup"
	"github.com/alexjbarnes/timesync/internal/snapshot"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Purpose selects which settings Load requires.
type Purpose int

const (
	// Daemon runs the sync client.
	Daemon Purpose = iota
	// Export writes snapshots from the remote store.
	Export
	// Restore applies snapshots to the remote store.
	Restore
	// Inspect only reads snapshot files.
	Inspect
)

// Config holds all environment-based configuration for timesync.
type Config struct {
	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogFile, when set, receives a rotated copy of the log output.
	LogFile string `env:"LOG_FILE"`

	// DatabaseURL is the remote store: a Postgres DSN, or "memory:" for a
	// process-local store.
	DatabaseURL string `env:"TIMESYNC_DATABASE_URL"`

	// CachePath is the bbolt file holding the local cache. Defaults to
	// ~/.timesync/cache.db.
	CachePath string `env:"TIMESYNC_CACHE_PATH"`

	// MirrorDir holds one JSON file per entity. Defaults to
	// ~/.timesync/mirror.
	MirrorDir string `env:"TIMESYNC_MIRROR_DIR"`

	// SyncInterval is the base scheduler interval.
	SyncInterval time.Duration `env:"TIMESYNC_SYNC_INTERVAL" envDefault:"30s"`

	// CacheMaxAge is how long a cache entry is trusted without a refresh.
	CacheMaxAge time.Duration `env:"TIMESYNC_CACHE_MAX_AGE" envDefault:"1h"`

	// Snapshot location. Exactly one of BackupDir and BackupS3Bucket is
	// required by the backup commands.
	BackupDir        string `env:"BACKUP_DIR"`
	BackupS3Bucket   string `env:"BACKUP_S3_BUCKET"`
	BackupS3Prefix   string `env:"BACKUP_S3_PREFIX"`
	BackupS3Endpoint string `env:"BACKUP_S3_ENDPOINT"`
	BackupS3Region   string `env:"BACKUP_S3_REGION"`
	// Static S3 credentials. When empty the default AWS chain is used.
	BackupS3AccessKeyID     string `env:"BACKUP_S3_ACCESS_KEY_ID"`
	BackupS3SecretAccessKey string `env:"BACKUP_S3_SECRET_ACCESS_KEY"`

	// BackupEncryptionKey is 64 hex chars, base64 of 32 bytes, or a
	// passphrase. Empty means snapshots are written in plaintext.
	BackupEncryptionKey string `env:"BACKUP_ENCRYPTION_KEY"`

	// RestoreBatchSize is the number of rows per upsert batch.
	RestoreBatchSize int `env:"RESTORE_BATCH_SIZE" envDefault:"500"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables, loading a .env file
// first if present, and validates it for p.
func Load(p Purpose) (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.applyDefaults(p); err != nil {
		return nil, err
	}

	if err := cfg.validate(p); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults(p Purpose) error {
	if p != Daemon {
		return nil
	}

	if c.CachePath == "" || c.MirrorDir == "" {
		home, err := DataDir()
		if err != nil {
			return err
		}

		if c.CachePath == "" {
			c.CachePath = filepath.Join(home, "cache.db")
		}

		if c.MirrorDir == "" {
			c.MirrorDir = filepath.Join(home, "mirror")
		}
	}

	// Path checks in the mirror compare string prefixes, which needs an
	// absolute root.
	abs, err := filepath.Abs(c.MirrorDir)
	if err != nil {
		return fmt.Errorf("resolving mirror dir to absolute path: %w", err)
	}

	c.MirrorDir = abs

	return nil
}

func (c *Config) validate(p Purpose) error {
	if p != Inspect && c.DatabaseURL == "" {
		return fmt.Errorf("TIMESYNC_DATABASE_URL is required")
	}

	if c.DatabaseURL != "" && !validDatabaseURL(c.DatabaseURL) {
		return fmt.Errorf("TIMESYNC_DATABASE_URL must be a postgres:// URL or memory:")
	}

	switch p {
	case Daemon:
		if c.SyncInterval < time.Second {
			return fmt.Errorf("TIMESYNC_SYNC_INTERVAL must be at least 1s, got %s", c.SyncInterval)
		}

		if c.CacheMaxAge < 0 {
			return fmt.Errorf("TIMESYNC_CACHE_MAX_AGE must not be negative")
		}
	case Export, Restore, Inspect:
		if c.BackupDir == "" && c.BackupS3Bucket == "" {
			return fmt.Errorf("one of BACKUP_DIR or BACKUP_S3_BUCKET is required")
		}

		if c.BackupDir != "" && c.BackupS3Bucket != "" {
			return fmt.Errorf("BACKUP_DIR and BACKUP_S3_BUCKET are mutually exclusive")
		}

		if (c.BackupS3AccessKeyID == "") != (c.BackupS3SecretAccessKey == "") {
			return fmt.Errorf("BACKUP_S3_ACCESS_KEY_ID and BACKUP_S3_SECRET_ACCESS_KEY must be set together")
		}

		if c.RestoreBatchSize <= 0 {
			return fmt.Errorf("RESTORE_BATCH_SIZE must be positive, got %d", c.RestoreBatchSize)
		}
	}

	return nil
}

func validDatabaseURL(u string) bool {
	return u == "memory:" || strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://")
}

// DataDir returns the default data directory: ~/.timesync
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".timesync"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Codec returns the snapshot codec for BACKUP_ENCRYPTION_KEY. With no key
// configured it reads and writes plaintext.
func (c *Config) Codec() (*snapshot.Codec, error) {
	codec, err := snapshot.NewSecretCodec(snapshot.ParseSecret(c.BackupEncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("BACKUP_ENCRYPTION_KEY: %w", err)
	}

	return codec, nil
}

// S3 returns the S3 source settings.
func (c *Config) S3() backup.S3Config {
	return backup.S3Config{
		Bucket:          c.BackupS3Bucket,
		Prefix:          c.BackupS3Prefix,
		Region:          c.BackupS3Region,
		Endpoint:        c.BackupS3Endpoint,
		AccessKeyID:     c.BackupS3AccessKeyID,
		SecretAccessKey: c.BackupS3SecretAccessKey,
	}
}

package config

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"ENVIRONMENT",
		"LOG_FILE",
		"TIMESYNC_DATABASE_URL",
		"TIMESYNC_CACHE_PATH",
		"TIMESYNC_MIRROR_DIR",
		"TIMESYNC_SYNC_INTERVAL",
		"TIMESYNC_CACHE_MAX_AGE",
		"BACKUP_DIR",
		"BACKUP_S3_BUCKET",
		"BACKUP_S3_PREFIX",
		"BACKUP_S3_ENDPOINT",
		"BACKUP_S3_REGION",
		"BACKUP_S3_ACCESS_KEY_ID",
		"BACKUP_S3_SECRET_ACCESS_KEY",
		"BACKUP_ENCRYPTION_KEY",
		"RESTORE_BATCH_SIZE",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setDaemonEnv sets the minimum env vars for the daemon.
func setDaemonEnv(t *testing.T, dir string) {
	t.Helper()
	t.Setenv("TIMESYNC_DATABASE_URL", "postgres://timesync@localhost/timesync")
	t.Setenv("TIMESYNC_CACHE_PATH", filepath.Join(dir, "cache.db"))
	t.Setenv("TIMESYNC_MIRROR_DIR", filepath.Join(dir, "mirror"))
}

// setBackupEnv sets the minimum env vars for the backup commands.
func setBackupEnv(t *testing.T, dir string) {
	t.Helper()
	t.Setenv("TIMESYNC_DATABASE_URL", "memory:")
	t.Setenv("BACKUP_DIR", dir)
}

// --- Load: daemon ---

func TestLoad_Daemon(t *testing.T) {
	clearConfigEnv(t)
	dir := t.TempDir()
	setDaemonEnv(t, dir)

	cfg, err := Load(Daemon)
	require.NoError(t, err)
	assert.Equal(t, "postgres://timesync@localhost/timesync", cfg.DatabaseURL)
	assert.Equal(t, filepath.Join(dir, "cache.db"), cfg.CachePath)
	assert.Equal(t, filepath.Join(dir, "mirror"), cfg.MirrorDir)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, time.Hour, cfg.CacheMaxAge)
	assert.Equal(t, "development", cfg.Environment)
}

func TestLoad_Daemon_MissingDatabaseURL(t *testing.T) {
	clearConfigEnv(t)
	setDaemonEnv(t, t.TempDir())
	os.Unsetenv("TIMESYNC_DATABASE_URL")

	_, err := Load(Daemon)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TIMESYNC_DATABASE_URL")
}

func TestLoad_Daemon_RejectsUnknownDatabaseScheme(t *testing.T) {
	clearConfigEnv(t)
	setDaemonEnv(t, t.TempDir())
	t.Setenv("TIMESYNC_DATABASE_URL", "mysql://localhost/timesync")

	_, err := Load(Daemon)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres://")
}

func TestLoad_Daemon_DefaultPaths(t *testing.T) {
	clearConfigEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("TIMESYNC_DATABASE_URL", "memory:")

	cfg, err := Load(Daemon)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".timesync", "cache.db"), cfg.CachePath)
	assert.Equal(t, filepath.Join(home, ".timesync", "mirror"), cfg.MirrorDir)
}

func TestLoad_Daemon_ResolvesRelativeMirrorDir(t *testing.T) {
	clearConfigEnv(t)
	setDaemonEnv(t, t.TempDir())
	t.Setenv("TIMESYNC_MIRROR_DIR", "relative/mirror")

	cfg, err := Load(Daemon)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.MirrorDir))
	assert.Equal(t, "mirror", filepath.Base(cfg.MirrorDir))
}

func TestLoad_Daemon_Durations(t *testing.T) {
	clearConfigEnv(t)
	setDaemonEnv(t, t.TempDir())
	t.Setenv("TIMESYNC_SYNC_INTERVAL", "2m")
	t.Setenv("TIMESYNC_CACHE_MAX_AGE", "15m")

	cfg, err := Load(Daemon)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 15*time.Minute, cfg.CacheMaxAge)
}

func TestLoad_Daemon_IntervalTooShort(t *testing.T) {
	clearConfigEnv(t)
	setDaemonEnv(t, t.TempDir())
	t.Setenv("TIMESYNC_SYNC_INTERVAL", "100ms")

	_, err := Load(Daemon)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TIMESYNC_SYNC_INTERVAL")
}

func TestLoad_Daemon_BadDuration(t *testing.T) {
	clearConfigEnv(t)
	setDaemonEnv(t, t.TempDir())
	t.Setenv("TIMESYNC_SYNC_INTERVAL", "soon")

	_, err := Load(Daemon)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestLoad_Daemon_NoBackupSettingsNeeded(t *testing.T) {
	clearConfigEnv(t)
	setDaemonEnv(t, t.TempDir())

	_, err := Load(Daemon)
	assert.NoError(t, err)
}

// --- Load: backup commands ---

func TestLoad_Export(t *testing.T) {
	clearConfigEnv(t)
	dir := t.TempDir()
	setBackupEnv(t, dir)

	cfg, err := Load(Export)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.BackupDir)
	assert.Equal(t, 500, cfg.RestoreBatchSize)
	assert.Empty(t, cfg.CachePath, "daemon defaults are not applied")
}

func TestLoad_Backup_MissingLocation(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("TIMESYNC_DATABASE_URL", "memory:")

	for _, p := range []Purpose{Export, Restore, Inspect} {
		_, err := Load(p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "BACKUP_DIR")
	}
}

func TestLoad_Backup_BothLocations(t *testing.T) {
	clearConfigEnv(t)
	setBackupEnv(t, t.TempDir())
	t.Setenv("BACKUP_S3_BUCKET", "snapshots")

	_, err := Load(Restore)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestLoad_Restore_MissingDatabaseURL(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("BACKUP_DIR", t.TempDir())

	_, err := Load(Restore)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TIMESYNC_DATABASE_URL")
}

func TestLoad_Inspect_NoDatabaseNeeded(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("BACKUP_S3_BUCKET", "snapshots")

	cfg, err := Load(Inspect)
	require.NoError(t, err)
	assert.Equal(t, "snapshots", cfg.S3().Bucket)
}

func TestLoad_Backup_PartialS3Credentials(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("TIMESYNC_DATABASE_URL", "memory:")
	t.Setenv("BACKUP_S3_BUCKET", "snapshots")
	t.Setenv("BACKUP_S3_ACCESS_KEY_ID", "AKIA")

	_, err := Load(Export)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BACKUP_S3_SECRET_ACCESS_KEY")
}

func TestLoad_Backup_BadBatchSize(t *testing.T) {
	clearConfigEnv(t)
	setBackupEnv(t, t.TempDir())
	t.Setenv("RESTORE_BATCH_SIZE", "0")

	_, err := Load(Restore)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RESTORE_BATCH_SIZE")
}

func TestS3_MapsAllFields(t *testing.T) {
	cfg := &Config{
		BackupS3Bucket:          "b",
		BackupS3Prefix:          "p",
		BackupS3Region:          "eu-west-2",
		BackupS3Endpoint:        "http://localhost:9000",
		BackupS3AccessKeyID:     "id",
		BackupS3SecretAccessKey: "secret",
	}

	s3 := cfg.S3()
	assert.Equal(t, "b", s3.Bucket)
	assert.Equal(t, "p", s3.Prefix)
	assert.Equal(t, "eu-west-2", s3.Region)
	assert.Equal(t, "http://localhost:9000", s3.Endpoint)
	assert.Equal(t, "id", s3.AccessKeyID)
	assert.Equal(t, "secret", s3.SecretAccessKey)
}

// --- Codec ---

func TestCodec_EmptyIsPlaintext(t *testing.T) {
	codec, err := (&Config{}).Codec()
	require.NoError(t, err)
	assert.False(t, codec.Encrypts())
}

func TestCodec_Passphrase(t *testing.T) {
	codec, err := (&Config{BackupEncryptionKey: "correct horse battery staple"}).Codec()
	require.NoError(t, err)
	assert.True(t, codec.Encrypts())
}

// --- .env handling ---

func TestLoad_ReadsDotEnv(t *testing.T) {
	clearConfigEnv(t)

	dir := t.TempDir()
	t.Chdir(dir)

	require.NoError(t, os.WriteFile(".env", []byte("TIMESYNC_DATABASE_URL=memory:\nBACKUP_DIR="+dir+"\n"), 0o600))

	cfg, err := Load(Export)
	require.NoError(t, err)
	assert.Equal(t, "memory:", cfg.DatabaseURL)
}

func TestWarnInsecureEnvFile(t *testing.T) {
	t.Chdir(t.TempDir())

	var buf bytes.Buffer

	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	require.NoError(t, os.WriteFile(".env", []byte("X=1\n"), 0o644))
	warnInsecureEnvFile()
	assert.Contains(t, buf.String(), "insecure permissions")

	buf.Reset()
	require.NoError(t, os.Chmod(".env", 0o600))
	warnInsecureEnvFile()
	assert.Empty(t, buf.String())
}

// --- IsProduction ---

func TestIsProduction_True(t *testing.T) {
	cfg := &Config{Environment: "production"}
	assert.True(t, cfg.IsProduction())
}

func TestIsProduction_False(t *testing.T) {
	cfg := &Config{Environment: "development"}
	assert.False(t, cfg.IsProduction())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, ":8080", c.Addr)
	assert.Equal(t, int64(10<<20), c.MaxUploadBytes)
	assert.Equal(t, "book-covers", c.CoverFolder)
	assert.Equal(t, "book-pdfs", c.DocumentFolder)
	assert.Equal(t, 3*time.Second, c.DBTimeout)
	assert.True(t, c.S3.UsePathStyle)
	assert.True(t, c.S3.Enabled())
}

func TestLoad_RequiresJWTSecret(t *testing.T) {
	chdirTemp(t)
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("APP_ADDR", ":9999")
	t.Setenv("MAX_UPLOAD_BYTES", "2048")
	t.Setenv("DB_TIMEOUT", "750ms")
	t.Setenv("S3_BUCKET", "books")
	t.Setenv("S3_USE_PATH_STYLE", "false")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test,")
	t.Setenv("RATE_LIMIT_RPS", "2.5")

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", c.Addr)
	assert.Equal(t, int64(2048), c.MaxUploadBytes)
	assert.Equal(t, 750*time.Millisecond, c.DBTimeout)
	assert.Equal(t, "books", c.S3.Bucket)
	assert.False(t, c.S3.UsePathStyle)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, c.CORSOrigins)
	assert.Equal(t, 2.5, c.RateLimitRPS)
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	chdirTemp(t)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("MAX_UPLOAD_BYTES", "lots")
	t.Setenv("DB_TIMEOUT", "soon")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(10<<20), c.MaxUploadBytes)
	assert.Equal(t, 3*time.Second, c.DBTimeout)
}

func TestLoadEnvFiles_DoesNotOverrideExistingEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DB_DSN=from_file\n"), 0o644))
	t.Setenv("DB_DSN", "from_env")

	LoadEnvFiles()

	assert.Equal(t, "from_env", os.Getenv("DB_DSN"))
}

func TestValidate_RejectsNestedFolders(t *testing.T) {
	var c Config
	c.LoadDefaults()
	c.JWTSecret = "x"
	c.CoverFolder = "a/b"

	assert.Error(t, c.Validate())
}

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })
	return dir
}

func TestLoadReconciler(t *testing.T) {
	chdirTemp(t)
	t.Setenv("JWT_SECRET", "")
	t.Setenv("REDIS_ADDR", "")

	_, err := LoadReconciler()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")

	t.Setenv("REDIS_ADDR", "localhost:6379")
	cfg, err := LoadReconciler()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "elibrary:orphans", cfg.OrphanQueueKey)
}

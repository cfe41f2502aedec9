package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	SetupFlags(fs)
	require.NoError(t, fs.Parse(args))
	v := viper.New()
	require.NoError(t, v.BindPFlags(fs))
	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(newViper(t))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HttpPort)
	assert.Equal(t, STORAGE_TYPE_INMEM, cfg.StorageType)
	assert.Equal(t, "localhost:6379", cfg.RedisConfig.Addr)
	assert.Equal(t, "flowcore", cfg.RedisConfig.Namespace)
	assert.Equal(t, 50, cfg.MaxDepth)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 1, cfg.MachineID)
	assert.Equal(t, 10*time.Minute, cfg.DefinitionCacheTTL)
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "flowcore.yaml")
	require.NoError(t, os.WriteFile(file, []byte("http-port: 9000\nnamespace: from-file\nmax-depth: 10\n"), 0o600))

	t.Setenv("FLOWCORE_MAX_DEPTH", "20")
	v := newViper(t, "--config-file", file, "--storage-impl", "REDIS", "--redis-db", "3")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.HttpPort, "file overrides flag defaults")
	assert.Equal(t, "from-file", cfg.RedisConfig.Namespace)
	assert.Equal(t, 20, cfg.MaxDepth, "env overrides file")
	assert.Equal(t, STORAGE_TYPE_REDIS, cfg.StorageType)
	assert.Equal(t, 3, cfg.RedisConfig.DB)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load(newViper(t, "--config-file", filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Config{StorageType: STORAGE_TYPE_INMEM, HttpPort: 8080}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown storage", mutate: func(c *Config) { c.StorageType = "dynamo" }, wantErr: true},
		{name: "redis without addr", mutate: func(c *Config) { c.StorageType = STORAGE_TYPE_REDIS }, wantErr: true},
		{name: "redis with addr", mutate: func(c *Config) {
			c.StorageType = STORAGE_TYPE_REDIS
			c.RedisConfig.Addr = "localhost:6379"
		}},
		{name: "bad port", mutate: func(c *Config) { c.HttpPort = 0 }, wantErr: true},
		{name: "negative depth", mutate: func(c *Config) { c.MaxDepth = -1 }, wantErr: true},
		{name: "machine id too large", mutate: func(c *Config) { c.MachineID = 70000 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// Package config holds the process configuration read through viper.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type StorageType string

const (
	STORAGE_TYPE_REDIS StorageType = "redis"
	STORAGE_TYPE_INMEM StorageType = "memory"
)

// EnvPrefix prefixes every environment override, e.g. FLOWCORE_HTTP_PORT.
const EnvPrefix = "FLOWCORE"

type Config struct {
	RedisConfig        RedisStorageConfig
	HttpPort           int
	StorageType        StorageType
	MaxDepth           int
	RegistryFile       string
	DefinitionsDir     string
	LogLevel           string
	LogFormat          string
	MachineID          int
	DefinitionCacheTTL time.Duration
}

type RedisStorageConfig struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// SetupFlags registers every configuration flag on fs.
func SetupFlags(fs *pflag.FlagSet) {
	fs.String("config-file", "", "Path to config file.")
	fs.Int("http-port", 8080, "http port for rest endpoints")
	fs.String("storage-impl", string(STORAGE_TYPE_INMEM), "implementation of underline storage (memory|redis)")
	fs.String("redis-addr", "localhost:6379", "redis host:port")
	fs.String("redis-password", "", "redis password")
	fs.Int("redis-db", 0, "redis database")
	fs.String("namespace", "flowcore", "namespace used in storage")
	fs.Int("max-depth", 50, "maximum transitions followed in one tick")
	fs.String("registry-file", "", "function registry catalog (json or yaml)")
	fs.String("definitions-dir", "", "directory of workflow definitions registered at startup")
	fs.String("log-level", "info", "log level (debug|info|warn|error)")
	fs.String("log-format", "json", "log format (json|console)")
	fs.Int("machine-id", 1, "snowflake machine id")
	fs.Duration("definition-cache-ttl", 10*time.Minute, "how long compiled definitions stay cached")
}

// Load reads the optional config file named by config-file and builds a
// Config from v. Flags bound to v take precedence over the file, and
// FLOWCORE_* environment variables over both.
func Load(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile := v.GetString("config-file"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := Config{
		RedisConfig: RedisStorageConfig{
			Addr:      v.GetString("redis-addr"),
			Password:  v.GetString("redis-password"),
			DB:        v.GetInt("redis-db"),
			Namespace: v.GetString("namespace"),
		},
		HttpPort:           v.GetInt("http-port"),
		StorageType:        StorageType(strings.ToLower(v.GetString("storage-impl"))),
		MaxDepth:           v.GetInt("max-depth"),
		RegistryFile:       v.GetString("registry-file"),
		DefinitionsDir:     v.GetString("definitions-dir"),
		LogLevel:           v.GetString("log-level"),
		LogFormat:          v.GetString("log-format"),
		MachineID:          v.GetInt("machine-id"),
		DefinitionCacheTTL: v.GetDuration("definition-cache-ttl"),
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	switch c.StorageType {
	case STORAGE_TYPE_INMEM, STORAGE_TYPE_REDIS:
	default:
		return fmt.Errorf("unknown storage-impl %q", c.StorageType)
	}
	if c.StorageType == STORAGE_TYPE_REDIS && c.RedisConfig.Addr == "" {
		return fmt.Errorf("redis-addr is required for redis storage")
	}
	if c.HttpPort <= 0 || c.HttpPort > 65535 {
		return fmt.Errorf("invalid http-port %d", c.HttpPort)
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("max-depth must not be negative")
	}
	if c.MachineID < 0 || c.MachineID > math.MaxUint16 {
		return fmt.Errorf("machine-id %d is outside 0..%d", c.MachineID, math.MaxUint16)
	}
	return nil
}

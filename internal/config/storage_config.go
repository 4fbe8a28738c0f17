package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	storageBackendVar = "storage_backend"
	sqliteDSNVar      = "sqlite_dsn"
	redisAddrVar      = "redis_addr"
	redisKeyPrefixVar = "redis_key_prefix"
	eventsStreamVar   = "events_stream"
	sweepIntervalVar  = "sweep_interval"
)

type StorageConfig interface {
	GetStorageBackend() string
	GetSQLiteDSN() string
	GetRedisAddr() string
	GetRedisKeyPrefix() string
	GetEventsStream() string
	GetSweepInterval() time.Duration
}

type Storage struct {
	v *viper.Viper
}

var _ StorageConfig = Storage{}

// GetStorageBackend selects the durable store for keys, sessions and refresh
// tokens: "memory" or "sqlite".
func (s Storage) GetStorageBackend() string {
	return s.v.GetString(storageBackendVar)
}

func (s Storage) GetSQLiteDSN() string {
	return s.v.GetString(sqliteDSNVar)
}

// GetRedisAddr enables the Redis backed single-use, replay and device stores
// when set.
func (s Storage) GetRedisAddr() string {
	return s.v.GetString(redisAddrVar)
}

func (s Storage) GetRedisKeyPrefix() string {
	return s.v.GetString(redisKeyPrefixVar)
}

func (s Storage) GetEventsStream() string {
	return s.v.GetString(eventsStreamVar)
}

func (s Storage) GetSweepInterval() time.Duration {
	return s.v.GetDuration(sweepIntervalVar)
}

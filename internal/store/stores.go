package store

// Backend names accepted in config.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// StoreConfig holds the connection parameters for the buffer backend.
type StoreConfig struct {
	Backend   string
	KeyPrefix string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PostgresDSN string
	SQLitePath  string
}

package cnst

// StoreType selects where the history log is mirrored
type StoreType string

const (
	// StoreMemory keeps mirrored history in process memory
	StoreMemory StoreType = "memory"
	// StoreRedis mirrors history into a capped redis list
	StoreRedis StoreType = "redis"
	// StoreDB mirrors history into a SQL table through gorm
	StoreDB StoreType = "db"
)

// DatabaseType names a gorm dialect
type DatabaseType string

const (
	DatabasePostgres DatabaseType = "postgres"
	DatabaseMySQL    DatabaseType = "mysql"
	DatabaseSQLite   DatabaseType = "sqlite"
)

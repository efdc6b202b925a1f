package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type (
	// HistoryConfig selects where the history log is mirrored
	HistoryConfig struct {
		Type       string             `yaml:"type" toml:"type"`               // memory, redis or db
		MaxEntries int                `yaml:"max_entries" toml:"max_entries"` // entries kept per session key
		Redis      HistoryRedisConfig `yaml:"redis" toml:"redis"`             // redis configuration for redis type
		Database   DatabaseConfig     `yaml:"database" toml:"database"`       // database configuration for db type
	}

	// HistoryRedisConfig represents the Redis configuration for history mirroring
	HistoryRedisConfig struct {
		Addr     string        `yaml:"addr" toml:"addr"`
		Username string        `yaml:"username" toml:"username"`
		Password string        `yaml:"password" toml:"password"`
		DB       int           `yaml:"db" toml:"db"`
		Prefix   string        `yaml:"prefix" toml:"prefix"`
		TTL      time.Duration `yaml:"ttl" toml:"ttl"` // TTL for history lists, zero keeps them
	}

	DatabaseConfig struct {
		Type     string `yaml:"type" toml:"type"`         // mysql, postgres, sqlite
		Host     string `yaml:"host" toml:"host"`         // localhost
		Port     int    `yaml:"port" toml:"port"`         // 3306 (for mysql), 5432 (for postgres)
		User     string `yaml:"user" toml:"user"`         // root (for mysql), postgres (for postgres)
		Password string `yaml:"password" toml:"password"` // password
		DBName   string `yaml:"dbname" toml:"dbname"`     // database name, file path for sqlite
		SSLMode  string `yaml:"sslmode" toml:"sslmode"`   // disable (for postgres)
	}
)

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() (string, error) {
	switch c.Type {
	case "postgres":
		return c.getPostgresDSN(), nil
	case "mysql":
		return c.getMySQLDSN(), nil
	case "sqlite":
		if c.DBName == ":memory:" || c.DBName == "" {
			return ":memory:", nil
		}
		if err := os.MkdirAll(filepath.Dir(c.DBName), 0755); err != nil {
			return "", fmt.Errorf("failed to create directory for sqlite database: %w", err)
		}
		return c.DBName, nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", c.Type)
	}
}

// getPostgresDSN returns PostgreSQL connection string
func (c *DatabaseConfig) getPostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// getMySQLDSN returns MySQL connection string
func (c *DatabaseConfig) getMySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

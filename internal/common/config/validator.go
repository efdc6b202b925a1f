package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError collects every problem found in a configuration
type ValidationError struct {
	Message string
	Fields  []string
}

func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	for _, f := range e.Fields {
		sb.WriteString("\n--> ")
		sb.WriteString(f)
	}
	return sb.String()
}

// Validate checks urls, store types and reconnect limits
func (c *ClientConfig) Validate() error {
	var fields []string

	if err := checkURL(c.Server.WSURL, "ws", "wss"); err != nil {
		fields = append(fields, fmt.Sprintf("server.ws_url: %v", err))
	}
	if err := checkURL(c.Server.HTTPURL, "http", "https"); err != nil {
		fields = append(fields, fmt.Sprintf("server.http_url: %v", err))
	}

	switch c.History.Type {
	case "memory", "redis":
	case "db":
		switch c.History.Database.Type {
		case "sqlite", "mysql", "postgres":
		default:
			fields = append(fields, fmt.Sprintf("history.database.type: unsupported %q", c.History.Database.Type))
		}
	default:
		fields = append(fields, fmt.Sprintf("history.type: unsupported %q", c.History.Type))
	}
	if c.History.Type == "redis" && c.History.Redis.Addr == "" {
		fields = append(fields, "history.redis.addr: required for redis history")
	}

	if c.Reconnect.MaxAttempts < 0 {
		fields = append(fields, "reconnect.max_attempts: must not be negative")
	}

	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Message: "invalid configuration", Fields: fields}
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("missing host in %q", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s, got %q", strings.Join(schemes, "/"), u.Scheme)
}

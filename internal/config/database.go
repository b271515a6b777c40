package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	// This is the recommended approach for production deployments
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxConns is the maximum number of connections in the pgx pool
	MaxConns int32 `yaml:"maxConns,omitempty"`

	// MinConns is the minimum number of idle connections the pool keeps open
	MinConns int32 `yaml:"minConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from CADENCE_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	// Priority 1: Read from file if specified
	if d.PasswordFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		// Trim whitespace (including newlines) from file content
		password := strings.TrimSpace(string(data))
		return password, nil
	}

	// Priority 2: Check environment variable
	if envPassword := os.Getenv("CADENCE_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or CADENCE_DATABASE_PASSWORD environment variable",
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	return d.connectionString("postgres")
}

// GetMigrationConnectionString builds the connection string used by the
// golang-migrate pgx/v5 driver, which registers the pgx5 URL scheme.
func (d *DatabaseConfig) GetMigrationConnectionString() (string, error) {
	return d.connectionString("pgx5")
}

func (d *DatabaseConfig) connectionString(scheme string) (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	// URL-escape the password to handle special characters
	escapedPassword := url.QueryEscape(password)

	connString := fmt.Sprintf(
		"%s://%s:%s@%s:%d/%s?sslmode=%s",
		scheme,
		d.User,
		escapedPassword,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// validate checks the required database fields.
func (d *DatabaseConfig) validate() error {
	if d.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if d.Port <= 0 {
		return fmt.Errorf("database.port is required")
	}
	if d.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if d.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	if err := validateDuration(d.ConnMaxLifetime, "database.connMaxLifetime"); err != nil {
		return err
	}
	return nil
}

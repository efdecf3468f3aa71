package migration

import (
	"fmt"

	appconfig "github.com/BaSui01/gateflow/config"
)

// NewMigratorFromConfig creates a migrator from the application configuration
func NewMigratorFromConfig(cfg *appconfig.Config) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	return NewMigratorFromDatabaseConfig(cfg.Database)
}

// NewMigratorFromDatabaseConfig creates a migrator from the database section.
// The in-memory store has no schema, so driver "memory" is rejected.
func NewMigratorFromDatabaseConfig(dbCfg appconfig.DatabaseConfig) (*DefaultMigrator, error) {
	if dbCfg.Driver == "memory" {
		return nil, fmt.Errorf("database driver %q has no schema to migrate", dbCfg.Driver)
	}
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}

	sslMode := dbCfg.SSLMode
	if dbType != DatabaseTypePostgres {
		sslMode = ""
	}
	url := BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, sslMode)

	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  url,
	})
}

// NewMigratorFromURL creates a migrator from a raw database URL
func NewMigratorFromURL(dbType, dbURL string) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{
		DatabaseType: dt,
		DatabaseURL:  dbURL,
	})
}

package storage

import (
	"fmt"

	"tokenpoints/internal/config"
	"tokenpoints/internal/infrastructure/clickhouse"
	"tokenpoints/internal/infrastructure/mysql"
	"tokenpoints/internal/infrastructure/sqlite"
	"tokenpoints/internal/infrastructure/sqlstore"
)

// OpenPrimary opens the SQL store selected by cfg.StoreDriver.
func OpenPrimary(cfg config.Config) (*sqlstore.Repository, error) {
	switch cfg.StoreDriver {
	case config.DriverMySQL:
		return mysql.NewRepository(cfg.DBDSN)
	case config.DriverSQLite:
		return sqlite.NewRepository(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

// Open returns the SQL store wrapped with the ClickHouse archive when
// cfg.ClickhouseDSN is set.
func Open(cfg config.Config) (*Repository, error) {
	primary, err := OpenPrimary(cfg)
	if err != nil {
		return nil, err
	}
	var archive *clickhouse.Archive
	if cfg.ClickhouseDSN != "" {
		archive, err = clickhouse.NewArchive(cfg.ClickhouseDSN)
		if err != nil {
			_ = primary.Close()
			return nil, fmt.Errorf("clickhouse archive: %w", err)
		}
	}
	return NewRepository(primary, archive)
}

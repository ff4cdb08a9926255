package store

import (
	"fmt"

	"github.com/sheet-vault/internal/config"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
)

// Open builds the metadata store selected by the database configuration
func Open(cfg config.DatabaseConfig, logger *logrus.Logger) (Store, error) {
	var (
		st  Store
		err error
	)

	switch cfg.Driver {
	case "sqlite3":
		st, err = NewSQLiteStore(cfg.Path)
	case "gorm-sqlite":
		st, err = NewGormStore(sqlite.Open(cfg.Path))
	case "postgres":
		st, err = NewGormStore(postgres.Open(cfg.DSN))
	case "mysql":
		st, err = NewGormStore(mysql.Open(cfg.DSN))
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	logger.WithField("driver", cfg.Driver).Info("Metadata store initialized")
	return st, nil
}

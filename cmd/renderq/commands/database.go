package commands

import (
	"database/sql"

	"github.com/ChenxingM/RenderQ/config"
	"github.com/ChenxingM/RenderQ/db"
	"github.com/ChenxingM/RenderQ/errors"
	"github.com/ChenxingM/RenderQ/logger"
)

// openDatabase opens and migrates the queue database at the specified path.
// If dbPath is empty, it resolves the path from config. Uses logger.Logger
// for db operations.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load configuration")
		}
		dbPath = cfg.GetDatabasePath()
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}

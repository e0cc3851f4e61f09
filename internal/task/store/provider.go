package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/config"
	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/db"
	"github.com/taskmesh/taskmesh/internal/db/dialect"
)

// Provide constructs the task store selected by cfg.Storage.Driver.
func Provide(cfg *config.Config, log *logger.Logger) (Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		log.Info("Task store initialized", zap.String("driver", "memory"))
		return NewMemoryStore(), nil

	case "sqlite":
		writer, err := db.OpenSQLite(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		reader, err := db.OpenSQLiteReader(cfg.Storage.Path)
		if err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		s, err := NewSQLStore(db.NewPool(
			sqlx.NewDb(writer, dialect.SQLite3),
			sqlx.NewDb(reader, dialect.SQLite3),
		))
		if err != nil {
			return nil, err
		}
		log.Info("Task store initialized",
			zap.String("driver", "sqlite"),
			zap.String("path", cfg.Storage.Path))
		return s, nil

	case "postgres":
		conn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		// pgx pools internally, so one handle serves both sides.
		pdb := sqlx.NewDb(conn, dialect.PGX)
		s, err := NewSQLStore(db.NewPool(pdb, pdb))
		if err != nil {
			return nil, err
		}
		log.Info("Task store initialized",
			zap.String("driver", "postgres"),
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.DBName))
		return s, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
}

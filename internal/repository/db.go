package repository

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoPolymarket/apigate/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InMemoryDSN is used when no connection string is configured.
const InMemoryDSN = "file::memory:?cache=shared"

var ErrMissingDSN = errors.New("database dsn is empty and in-memory fallback is disabled")

// NewDB opens the audit database. An empty DSN falls back to in-memory
// SQLite when the configuration allows it.
func NewDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	dsn := strings.TrimSpace(cfg.DSN)
	inMemory := false
	var dialector gorm.Dialector
	switch {
	case dsn == "":
		if !cfg.AllowInMemoryFallback {
			return nil, ErrMissingDSN
		}
		dialector = sqlite.Open(InMemoryDSN)
		inMemory = true
	case strings.EqualFold(cfg.Driver, "sqlite"):
		dialector = sqlite.Open(dsn)
		inMemory = isMemoryDSN(dsn)
	default:
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	// 连接池设置
	if inMemory {
		// 内存库只存在于单个连接上
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMin) * time.Minute)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// IsInMemory reports whether NewDB would pick the in-memory fallback.
func IsInMemory(cfg config.DatabaseConfig) bool {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return true
	}
	return strings.EqualFold(cfg.Driver, "sqlite") && isMemoryDSN(dsn)
}

func isMemoryDSN(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

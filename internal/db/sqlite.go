package db

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/bililink/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// AllModels lists every table the service owns, in migration order.
var AllModels = []interface{}{
	&models.Credential{},
	&models.Binding{},
	&models.RewardRecord{},
	&models.VerificationStatus{},
}

// InitDB opens the SQLite database at dbPath and runs migrations.
func InitDB(dbPath, logLevel string) (*gorm.DB, error) {
	db, err := Open(dbPath, logLevel)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(AllModels...); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	log.Printf("📦 Database ready at %s", dbPath)
	return db, nil
}

// Open connects without migrating. In-memory databases are pinned to one
// connection so every query sees the same data; file databases use WAL so
// reads keep flowing while the Writer holds the write lock.
func Open(dbPath, logLevel string) (*gorm.DB, error) {
	memory := isMemoryPath(dbPath)
	dsn := dbPath
	if !memory {
		dsn = withPragmas(dbPath)
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.New(log.New(log.Writer(), "[DB] ", log.LstdFlags), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  parseLogLevel(logLevel),
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dbPath, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	if memory {
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, ":memory:") || strings.Contains(path, "mode=memory")
}

func withPragmas(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func parseLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

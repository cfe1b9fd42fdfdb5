package sqlite

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"possync/internal/logger"
	"possync/internal/store/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Store is the gorm-backed home of snapshots, registry and queue.
type Store struct {
	db *gorm.DB

	// SQLite allows one writer; serializing read-compare-write in process
	// avoids lock-upgrade failures under WAL.
	writeMu sync.Mutex
}

func NewSqliteStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Gorm(),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return NewSqliteStoreFromDB(db)
}

func NewSqliteStoreFromDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	models := []interface{}{
		&model.PositionSnapshotModel{},
		&model.ActiveContractModel{},
		&model.RegistryChangeModel{},
		&model.QueuedItemModel{},
		&model.QueueFailureModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &Store{db: db}, nil
}

func (s *Store) Snapshots() *SnapshotRepo { return &SnapshotRepo{s: s} }
func (s *Store) Registry() *RegistryRepo  { return &RegistryRepo{s: s} }
func (s *Store) Queue() *QueueRepo        { return &QueueRepo{s: s} }

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

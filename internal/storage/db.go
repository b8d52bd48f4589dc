package storage

import (
	"fmt"

	"bradypod/internal/config"
	"bradypod/internal/logger"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// MemoryDSN 内存数据库，测试与未配置持久化时使用
const MemoryDSN = "file::memory:?cache=shared"

// Open 打开 sqlite 数据库并迁移表结构
func Open(cfg config.Sqlite, l logger.Logger) (*gorm.DB, error) {
	dsn := cfg.Dsn
	if dsn == "" {
		dsn = MemoryDSN
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: NewGormLogger(l).LogMode(gormlogger.Warn),
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   cfg.Prefix,
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&CookieRecord{}, &CacheEntry{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite %s: %w", dsn, err)
	}
	return db, nil
}

// Close 关闭底层连接
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

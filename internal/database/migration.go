package database

import (
	"fmt"

	"github.com/wfunc/jutta-brewer/internal/logger"
	"github.com/wfunc/jutta-brewer/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AutoMigrate 迁移串口日志表
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("database not initialized")
	}

	// 文件型SQLite可能被多个进程共享（服务端与命令行工具）
	if path := sqliteFile(db); path != "" {
		lockFile, err := acquireMigrationLock(path, 30)
		if err != nil {
			return err
		}
		defer releaseMigrationLock(lockFile)
	}

	if err := db.AutoMigrate(&models.SerialLog{}); err != nil {
		logger.Error("Migration failed", zap.Error(err))
		return err
	}

	logger.Info("Database migrated", zap.String("table", models.SerialLog{}.TableName()))
	return nil
}

// sqliteFile 返回SQLite数据库文件路径，内存库与其他驱动返回空
func sqliteFile(db *gorm.DB) string {
	if db.Dialector.Name() != "sqlite" {
		return ""
	}
	sqlDB, err := db.DB()
	if err != nil {
		return ""
	}

	var (
		seq        int
		name, file string
	)
	if err := sqlDB.QueryRow("PRAGMA database_list").Scan(&seq, &name, &file); err != nil {
		return ""
	}
	return file
}

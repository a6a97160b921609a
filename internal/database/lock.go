package database

import (
	"fmt"
	"os"
	"time"

	"github.com/wfunc/jutta-brewer/internal/logger"
	"go.uber.org/zap"
)

// acquireMigrationLock 获取迁移锁
func acquireMigrationLock(dbPath string, attempts int) (*os.File, error) {
	lockPath := dbPath + ".migration.lock"

	for i := 0; i < attempts; i++ {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
		if err == nil {
			logger.Debug("Migration lock acquired", zap.String("lock", lockPath))
			return lockFile, nil
		}

		// 超过5分钟的锁文件视为残留
		if info, err := os.Stat(lockPath); err == nil {
			if time.Since(info.ModTime()) > 5*time.Minute {
				logger.Warn("Removing stale migration lock", zap.String("lock", lockPath))
				os.Remove(lockPath)
				continue
			}
		}

		logger.Debug("Waiting for migration lock", zap.Int("attempt", i+1))
		time.Sleep(time.Second)
	}

	return nil, fmt.Errorf("migration lock %s is held by another process", lockPath)
}

// releaseMigrationLock 释放迁移锁
func releaseMigrationLock(lockFile *os.File) {
	if lockFile == nil {
		return
	}

	lockPath := lockFile.Name()
	lockFile.Close()
	os.Remove(lockPath)
	logger.Debug("Migration lock released", zap.String("lock", lockPath))
}

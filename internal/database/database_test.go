package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/jutta-brewer/internal/config"
	"github.com/wfunc/jutta-brewer/internal/models"
	gormlogger "gorm.io/gorm/logger"
)

func TestOpenSQLiteAndMigrate(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "data", "jutta.db")
	db, err := Open(&config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      dsn,
		LogLevel: "silent",
	})
	require.NoError(t, err)
	defer func() {
		sqlDB, _ := db.DB()
		sqlDB.Close()
	}()

	assert.NotEmpty(t, sqliteFile(db))
	require.NoError(t, AutoMigrate(db))
	assert.True(t, db.Migrator().HasTable(&models.SerialLog{}))

	// 迁移完成后锁文件被释放
	assert.NoFileExists(t, dsn+".migration.lock")
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(&config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, gormlogger.Silent, parseLogLevel("silent"))
	assert.Equal(t, gormlogger.Error, parseLogLevel("error"))
	assert.Equal(t, gormlogger.Info, parseLogLevel("info"))
	assert.Equal(t, gormlogger.Warn, parseLogLevel(""))
}

func TestAutoMigrateNilDB(t *testing.T) {
	assert.Error(t, AutoMigrate(nil))
}

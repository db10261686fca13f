package resource

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"audio-pipeline/pkg/assert"
	"audio-pipeline/pkg/config"
	"audio-pipeline/pkg/logger"
	"audio-pipeline/pkg/manager"
)

var (
	mysqlResourceOnce      sync.Once
	singletonMySqlResource *MySqlResource
)

// MySqlResource 主库连接
type MySqlResource struct {
	db *gorm.DB
}

// DefaultMySqlResource 获取MySQL资源单例
func DefaultMySqlResource() *MySqlResource {
	assert.NotCircular()
	mysqlResourceOnce.Do(func() {
		singletonMySqlResource = &MySqlResource{}
	})
	assert.NotNil(singletonMySqlResource)
	return singletonMySqlResource
}

// MustOpen 建立连接并配置连接池
func (r *MySqlResource) MustOpen() {
	if r.db != nil {
		return
	}
	cfg := config.GetGlobalConfig()
	if cfg == nil {
		panic("global config not initialized before MySqlResource")
	}

	level := gormlogger.Warn
	if cfg.Log.Level == "debug" {
		level = gormlogger.Info
	}
	db, err := gorm.Open(mysql.Open(cfg.Database.GetDSN()), &gorm.Config{
		Logger: gormlogger.New(logger.WithFields(map[string]interface{}{"component": "gorm"}), gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		panic(fmt.Sprintf("failed to connect mysql: %v", err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		panic(fmt.Sprintf("failed to get mysql handle: %v", err))
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	r.db = db
	logger.Info("MySQL resource initialized", map[string]interface{}{
		"host":     cfg.Database.Host,
		"database": cfg.Database.Database,
	})
}

// MainDB 主库
func (r *MySqlResource) MainDB() *gorm.DB {
	return r.db
}

// Close 关闭连接池
func (r *MySqlResource) Close() {
	if r.db == nil {
		return
	}
	if sqlDB, err := r.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	r.db = nil
}

// MySqlResourcePlugin MySQL资源插件
type MySqlResourcePlugin struct{}

func (p *MySqlResourcePlugin) Name() string {
	return "mysqlResource"
}

func (p *MySqlResourcePlugin) MustCreateResource() manager.Resource {
	return DefaultMySqlResource()
}

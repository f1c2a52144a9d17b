package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Gopher0727/GroupChat/config"
	"github.com/Gopher0727/GroupChat/internal/models"
)

// InitPostgres 初始化 PostgreSQL 连接并迁移实体状态表
func InitPostgres(cfg *config.PostgresConfig) (*gorm.DB, error) {
	dsn := BuildDSN(cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取 sql.DB 失败: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)

	if err := db.AutoMigrate(&models.EntityState{}); err != nil {
		return nil, fmt.Errorf("模型迁移失败: %w", err)
	}
	return db, nil
}

// BuildDSN 构建PostgreSQL DSN
func BuildDSN(host, port, user, password, dbname string) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable", host, port, user, password, dbname)
}

// PostgresStateStore 每个实体一行, 主键 (kind, key)
type PostgresStateStore struct {
	db *gorm.DB
}

func NewPostgresStateStore(db *gorm.DB) *PostgresStateStore {
	return &PostgresStateStore{db: db}
}

func (s *PostgresStateStore) Load(ctx context.Context, kind, key string, v any) (bool, error) {
	var row models.EntityState
	err := s.db.WithContext(ctx).
		Where("kind = ? AND key = ?", kind, key).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("读取实体状态失败 %s/%s: %w", kind, key, err)
	}
	if err := json.Unmarshal(row.Data, v); err != nil {
		return false, fmt.Errorf("解析实体状态失败 %s/%s: %w", kind, key, err)
	}
	return true, nil
}

func (s *PostgresStateStore) Save(ctx context.Context, kind, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化实体状态失败 %s/%s: %w", kind, key, err)
	}

	row := models.EntityState{Kind: kind, Key: key, Data: raw, UpdatedAt: time.Now()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("保存实体状态失败 %s/%s: %w", kind, key, err)
	}
	return nil
}

func (s *PostgresStateStore) Keys(ctx context.Context, kind string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).
		Model(&models.EntityState{}).
		Where("kind = ?", kind).
		Order("key").
		Pluck("key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("读取实体索引失败 %s: %w", kind, err)
	}
	return keys, nil
}

package models

import "time"

// EntityState 实体状态在 Postgres 中的存储行
type EntityState struct {
	Kind      string    `gorm:"primaryKey;size:32" json:"kind"`
	Key       string    `gorm:"primaryKey;size:128" json:"key"`
	Data      []byte    `gorm:"not null" json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (EntityState) TableName() string {
	return "entity_states"
}

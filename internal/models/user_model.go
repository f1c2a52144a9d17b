package models

// UserState 用户实体的持久化状态
type UserState struct {
	ID       string   `json:"id"`
	GroupIDs []string `json:"groupIds"` // 有序集合
}

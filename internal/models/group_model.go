package models

import (
	"slices"
	"time"
)

// GroupMessage 群消息, 追加后不可修改
type GroupMessage struct {
	Content   string    `json:"content"`
	UserID    string    `json:"userId"`
	Email     string    `json:"email"` // 作者展示名
	CreatedAt time.Time `json:"createdAt"`
}

// GroupState 群组实体的持久化状态
type GroupState struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Capacity int            `json:"capacity"`
	Members  []string       `json:"members"` // 有序集合
	Messages []GroupMessage `json:"messages"`
}

// HasMember 成员集合按升序保存, 使用二分查找
func (s *GroupState) HasMember(userID string) bool {
	_, ok := slices.BinarySearch(s.Members, userID)
	return ok
}

func (s *GroupState) IsFull() bool {
	return len(s.Members) >= s.Capacity
}

// Group 群组快照, 推送给客户端的完整视图
type Group struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Users    []string       `json:"users"`
	Messages []GroupMessage `json:"messages"`
	IsFull   bool           `json:"isFull"`
}

// GroupSummary 目录枚举的结果项
type GroupSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Snapshot 拷贝出与实体状态不共享内存的快照
func (s *GroupState) Snapshot() Group {
	return Group{
		ID:       s.ID,
		Name:     s.Name,
		Users:    slices.Clone(s.Members),
		Messages: slices.Clone(s.Messages),
		IsFull:   s.IsFull(),
	}
}

func (s *GroupState) Summary() GroupSummary {
	return GroupSummary{ID: s.ID, Name: s.Name}
}

package services

import (
	"context"
	"time"
)

const (
	EventGroupCreated  = "group.created"
	EventMemberJoined  = "member.joined"
	EventMemberLeft    = "member.left"
	EventMessagePosted = "message.posted"
)

// GroupEvent 群组领域事件, 以群组 id 为分区键写入事件流水
type GroupEvent struct {
	Type      string    `json:"type"`
	GroupID   string    `json:"groupId"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name,omitempty"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Journal 记录已经生效的领域事件; 写入失败不影响业务结果
type Journal interface {
	Record(ctx context.Context, event GroupEvent) error
}

type NopJournal struct{}

func (NopJournal) Record(context.Context, GroupEvent) error { return nil }

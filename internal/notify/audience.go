package notify

import (
	"slices"

	"github.com/samber/lo"
)

type AudienceKind int

const (
	// ByConnection 按连接寻址, 请求方可能还不是任何群的成员
	ByConnection AudienceKind = iota
	// ByUsers 按用户寻址, 同一用户的所有连接都会收到
	ByUsers
	Broadcast
)

func (k AudienceKind) String() string {
	switch k {
	case ByConnection:
		return "connection"
	case ByUsers:
		return "users"
	case Broadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// Audience 一个事件的接收方集合
type Audience struct {
	Kind         AudienceKind
	ConnectionID string
	UserIDs      []string
}

func Connection(connectionID string) Audience {
	return Audience{Kind: ByConnection, ConnectionID: connectionID}
}

// Users 去重并排序, 空 id 会被丢弃
func Users(userIDs ...string) Audience {
	ids := lo.Uniq(lo.Compact(userIDs))
	slices.Sort(ids)
	return Audience{Kind: ByUsers, UserIDs: ids}
}

func Everyone() Audience {
	return Audience{Kind: Broadcast}
}

// Empty 没有任何接收方
func (a Audience) Empty() bool {
	switch a.Kind {
	case ByConnection:
		return a.ConnectionID == ""
	case ByUsers:
		return len(a.UserIDs) == 0
	default:
		return false
	}
}

package notify

// 推送事件名, 客户端按名称分发
const (
	// 只发给请求方连接
	EventInitialState   = "InitialState"
	EventNewGroupResult = "NewGroupResult"
	EventJoinResult     = "JoinResult"
	EventLeaveSuccess   = "LeaveSuccess"
	EventError          = "Error"

	// 发给多个接收方
	EventNewGroup   = "NewGroup"
	EventNewMember  = "NewMember"
	EventMemberLeft = "MemberLeft"
	EventNewMessage = "NewMessage"
)

// Frame 推送通道上的一帧
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

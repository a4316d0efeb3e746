package server

import "lagswitch/protocol"

// eventKind 投递到 Hub 事件循环的消息类型
type eventKind int

const (
	evConnect eventKind = iota
	evUpdate
	evLeave
)

func (k eventKind) String() string {
	switch k {
	case evConnect:
		return "connect"
	case evUpdate:
		return "update"
	case evLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// event 传输层事件；读协程只投递，不直接修改注册表
type event struct {
	kind eventKind
	ep   Endpoint
	pos  protocol.Position // 仅 evUpdate
}

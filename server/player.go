package server

import (
	"github.com/google/uuid"

	"lagswitch/protocol"
)

// Endpoint 传输层会话标识（不透明），断线事件只携带它
type Endpoint string

// NewEndpoint 为新会话分配唯一标识
func NewEndpoint() Endpoint {
	return Endpoint(uuid.NewString())
}

// Player 服务端保存的玩家状态。服务端不做预测，只转存客户端上报的位置。
type Player struct {
	ID       int
	X        int
	Y        int
	Color    protocol.Color
	Endpoint Endpoint

	packets int // 本采样周期收到的更新包数
}

func (p *Player) apply(x, y int) {
	p.X, p.Y = x, y
	p.packets++
}

// Position 广播用的位置组
func (p Player) Position() protocol.Position {
	return protocol.Position{ID: p.ID, X: p.X, Y: p.Y}
}

// Init 连接建立后发送给该玩家的初始化信息
func (p Player) Init() protocol.Init {
	return protocol.Init{ID: p.ID, X: p.X, Y: p.Y, Color: p.Color}
}

// Packets 当前采样周期的包计数
func (p Player) Packets() int {
	return p.packets
}

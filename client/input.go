package client

import "math/rand"

// Intent 输入层产生的意图（方向保持或开关类操作）
type Intent int

const (
	MoveUp Intent = iota
	MoveDown
	MoveLeft
	MoveRight
	ToggleDrop // 切换模拟丢包（lag switch）
)

func (i Intent) String() string {
	switch i {
	case MoveUp:
		return "up"
	case MoveDown:
		return "down"
	case MoveLeft:
		return "left"
	case MoveRight:
		return "right"
	case ToggleDrop:
		return "toggle-drop"
	default:
		return "none"
	}
}

// InputSource 每个本地步调用一次，返回本步的意图
type InputSource interface {
	Poll() []Intent
}

// InputFunc 函数适配器
type InputFunc func() []Intent

func (f InputFunc) Poll() []Intent { return f() }

// RandomWalk 无界面客户端使用的随机游走输入：每隔 Hold 步换一个方向
type RandomWalk struct {
	Hold int
	rng  *rand.Rand
	cur  []Intent
	left int
}

func NewRandomWalk(hold int, rng *rand.Rand) *RandomWalk {
	if hold <= 0 {
		hold = 30
	}
	return &RandomWalk{Hold: hold, rng: rng}
}

func (w *RandomWalk) Poll() []Intent {
	if w.left <= 0 {
		w.cur = w.cur[:0]
		if d := Intent(w.rng.Intn(5)); d <= MoveRight {
			w.cur = append(w.cur, d)
		}
		w.left = w.Hold
	}
	w.left--
	return w.cur
}

// LagSwitch 包装输入源，每隔 Every 步插入一次 ToggleDrop
type LagSwitch struct {
	Source InputSource
	Every  int
	step   int
}

func (l *LagSwitch) Poll() []Intent {
	var out []Intent
	if l.Source != nil {
		out = append(out, l.Source.Poll()...)
	}
	if l.Every > 0 {
		l.step++
		if l.step%l.Every == 0 {
			out = append(out, ToggleDrop)
		}
	}
	return out
}

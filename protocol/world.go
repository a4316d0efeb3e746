package protocol

// 世界与玩家尺寸的默认值（正方形世界，玩家为正方形，原点在左上角）
const (
	DefaultWorldExtent = 600
	DefaultPlayerSize  = 64
	DefaultSpeed       = 5
	DefaultPort        = 4450
)

// World 描述坐标边界，服务端出生点与客户端移动使用同一套裁剪规则
type World struct {
	Extent     int
	PlayerSize int
}

func DefaultWorld() World {
	return World{Extent: DefaultWorldExtent, PlayerSize: DefaultPlayerSize}
}

// MaxCoord 玩家左上角允许的最大坐标
func (w World) MaxCoord() int {
	m := w.Extent - w.PlayerSize
	if m < 0 {
		return 0
	}
	return m
}

// Clamp 将坐标裁剪到 [0, Extent-PlayerSize]
func (w World) Clamp(x, y int) (int, int) {
	return clampInt(x, 0, w.MaxCoord()), clampInt(y, 0, w.MaxCoord())
}

// Contains 坐标是否在合法范围内
func (w World) Contains(x, y int) bool {
	m := w.MaxCoord()
	return x >= 0 && y >= 0 && x <= m && y <= m
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

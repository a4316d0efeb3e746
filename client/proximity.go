package client

import "math"

// DefaultCriticalRadius 临界区半径
const DefaultCriticalRadius = 100.0

// Proximity 临界区检测：每个本地步最多计一次，由周期报告读取并清零。
// 只做本地诊断，不产生网络行为。
type Proximity struct {
	Radius float64
	Size   int // 玩家边长，用于计算中心点
	count  int
}

func center(p Player, size int) (float64, float64) {
	half := float64(size) / 2
	return float64(p.X) + half, float64(p.Y) + half
}

// InRange 两名玩家中心距离是否小于半径
func (pr *Proximity) InRange(a, b Player) bool {
	ax, ay := center(a, pr.Size)
	bx, by := center(b, pr.Size)
	return math.Hypot(ax-bx, ay-by) < pr.Radius
}

// Check 若任一其他玩家处于临界区内，计数加一（无论有几人在范围内）
func (pr *Proximity) Check(local Player, others []Player) bool {
	for _, o := range others {
		if o.ID == local.ID {
			continue
		}
		if pr.InRange(local, o) {
			pr.count++
			return true
		}
	}
	return false
}

// Drain 读取并清零本周期计数
func (pr *Proximity) Drain() int {
	n := pr.count
	pr.count = 0
	return n
}

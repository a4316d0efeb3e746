package server

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"lagswitch/protocol"
)

// ErrUnknownPlayer 更新引用了注册表中不存在的 id
var ErrUnknownPlayer = errors.New("unknown player")

// ErrNotOwner 更新引用的玩家不属于发送方会话
var ErrNotOwner = errors.New("player not owned by session")

// Registry 服务端玩家表：id 分配、生命周期与每玩家包计数。
// 写操作只来自 Hub 事件循环，读锁供管理接口并发读取。
type Registry struct {
	mu     sync.RWMutex
	world  protocol.World
	rng    *rand.Rand
	nextID int // 单调递增，断线后也不复用

	byID       map[int]*Player
	byEndpoint map[Endpoint][]int
}

// NewRegistry 创建注册表；rng 为 nil 时使用按时间播种的随机源
func NewRegistry(world protocol.World, rng *rand.Rand) *Registry {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Registry{
		world:      world,
		rng:        rng,
		byID:       make(map[int]*Player),
		byEndpoint: make(map[Endpoint][]int),
	}
}

// OnConnect 分配新 id、随机出生点与颜色，返回副本以便立即发送 Init
func (r *Registry) OnConnect(ep Endpoint) Player {
	r.mu.Lock()
	defer r.mu.Unlock()

	span := r.world.MaxCoord() + 1
	p := &Player{
		ID:       r.nextID,
		X:        r.rng.Intn(span),
		Y:        r.rng.Intn(span),
		Color:    protocol.Color{R: uint8(r.rng.Intn(256)), G: uint8(r.rng.Intn(256)), B: uint8(r.rng.Intn(256))},
		Endpoint: ep,
	}
	r.nextID++
	r.byID[p.ID] = p
	r.byEndpoint[ep] = append(r.byEndpoint[ep], p.ID)
	return *p
}

// OnDisconnect 移除该 endpoint 下的所有玩家；没有匹配时为空操作
func (r *Registry) OnDisconnect(ep Endpoint) []Player {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, ok := r.byEndpoint[ep]
	if !ok {
		return nil
	}
	delete(r.byEndpoint, ep)
	removed := make([]Player, 0, len(ids))
	for _, id := range ids {
		if p, ok := r.byID[id]; ok {
			removed = append(removed, *p)
			delete(r.byID, id)
		}
	}
	return removed
}

// OnUpdate 覆盖位置并累加包计数。服务端信任客户端坐标，不做裁剪。
func (r *Registry) OnUpdate(id, x, y int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return ErrUnknownPlayer
	}
	p.apply(x, y)
	return nil
}

// OnUpdateFrom 同 OnUpdate，但只接受玩家所属会话发来的更新
func (r *Registry) OnUpdateFrom(ep Endpoint, id, x, y int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return ErrUnknownPlayer
	}
	if p.Endpoint != ep {
		return fmt.Errorf("%w: player %d", ErrNotOwner, id)
	}
	p.apply(x, y)
	return nil
}

// Snapshot 按 id 升序返回所有玩家的副本
func (r *Registry) Snapshot() []Player {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Player, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DrainCounters 读取并清零所有在线玩家的包计数（包括计数为 0 的玩家）
func (r *Registry) DrainCounters() map[int]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[int]int, len(r.byID))
	for id, p := range r.byID {
		counts[id] = p.packets
		p.packets = 0
	}
	return counts
}

func (r *Registry) Get(id int) (Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

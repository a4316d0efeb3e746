package client

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"lagswitch/protocol"
)

// ErrNotInitialized 在收到 Init 之前不允许上报状态
var ErrNotInitialized = errors.New("session not initialized")

// ErrInvalidConfig 客户端参数不合法
var ErrInvalidConfig = errors.New("invalid config")

// Config 客户端参数
type Config struct {
	World          protocol.World
	Speed          int
	CriticalRadius float64
	StaleAfter     int // 远端玩家连续缺席多少次广播后移除

	StepPeriod     time.Duration
	ReportPeriod   time.Duration
	ConnectTimeout time.Duration
	CloseTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		World:          protocol.DefaultWorld(),
		Speed:          protocol.DefaultSpeed,
		CriticalRadius: DefaultCriticalRadius,
		StaleAfter:     30,
		StepPeriod:     16 * time.Millisecond,
		ReportPeriod:   time.Second,
		ConnectTimeout: 5 * time.Second,
		CloseTimeout:   3 * time.Second,
	}
}

// Validate 步长与报告周期必须为正
func (c Config) Validate() error {
	if c.StepPeriod <= 0 {
		return fmt.Errorf("%w: step period must be positive, got %v", ErrInvalidConfig, c.StepPeriod)
	}
	if c.ReportPeriod <= 0 {
		return fmt.Errorf("%w: report period must be positive, got %v", ErrInvalidConfig, c.ReportPeriod)
	}
	if c.World.MaxCoord() <= 0 {
		return fmt.Errorf("%w: world %d too small for player size %d", ErrInvalidConfig, c.World.Extent, c.World.PlayerSize)
	}
	return nil
}

// Player 客户端视角的玩家
type Player struct {
	ID    int
	X     int
	Y     int
	Color protocol.Color
}

// remote 远端玩家及其缺席计数
type remote struct {
	Player
	missed int
}

// View 供渲染层使用的只读快照
type View struct {
	Initialized bool
	Local       Player
	Remotes     []Player
}

// Reconciler 本地预测 + 远端同步。非并发安全，由 Session 的单个循环驱动。
type Reconciler struct {
	cfg  Config
	prox Proximity

	local       Player
	initialized bool
	dropPackets bool // 模拟丢包开关
	remotes     map[int]*remote
}

func NewReconciler(cfg Config) *Reconciler {
	return &Reconciler{
		cfg:     cfg,
		prox:    Proximity{Radius: cfg.CriticalRadius, Size: cfg.World.PlayerSize},
		remotes: make(map[int]*remote),
	}
}

func (r *Reconciler) Initialized() bool { return r.initialized }
func (r *Reconciler) Local() Player     { return r.local }
func (r *Reconciler) Dropping() bool    { return r.dropPackets }

// Remote 查询远端玩家
func (r *Reconciler) Remote(id int) (Player, bool) {
	rp, ok := r.remotes[id]
	if !ok {
		return Player{}, false
	}
	return rp.Player, true
}

// Step 一个本地步：处理开关、移动并裁剪、检测临界区。返回本步是否处于临界区。
func (r *Reconciler) Step(intents []Intent) bool {
	dx, dy := 0, 0
	for _, in := range intents {
		switch in {
		case MoveUp:
			dy -= r.cfg.Speed
		case MoveDown:
			dy += r.cfg.Speed
		case MoveLeft:
			dx -= r.cfg.Speed
		case MoveRight:
			dx += r.cfg.Speed
		case ToggleDrop:
			r.dropPackets = !r.dropPackets
		}
	}
	if !r.initialized {
		return false
	}
	r.local.X, r.local.Y = r.cfg.World.Clamp(r.local.X+dx, r.local.Y+dy)
	return r.prox.Check(r.local, r.remoteList())
}

// ApplyInit 设置本地玩家并标记会话已初始化
func (r *Reconciler) ApplyInit(in protocol.Init) {
	r.local = Player{ID: in.ID, X: in.X, Y: in.Y, Color: in.Color}
	r.initialized = true
	delete(r.remotes, in.ID)
}

// ApplyUpdate 应用广播：跳过自己，upsert 其他玩家；连续缺席 StaleAfter 次的远端被移除
func (r *Reconciler) ApplyUpdate(groups []protocol.Position) {
	if !r.initialized {
		return
	}
	seen := make(map[int]struct{}, len(groups))
	for _, g := range groups {
		if g.ID == r.local.ID {
			continue
		}
		seen[g.ID] = struct{}{}
		rp, ok := r.remotes[g.ID]
		if !ok {
			rp = &remote{Player: Player{ID: g.ID}}
			r.remotes[g.ID] = rp
		}
		rp.X, rp.Y = g.X, g.Y
		rp.missed = 0
	}
	for id, rp := range r.remotes {
		if _, ok := seen[id]; ok {
			continue
		}
		rp.missed++
		if r.cfg.StaleAfter > 0 && rp.missed >= r.cfg.StaleAfter {
			delete(r.remotes, id)
		}
	}
}

// ApplyDisconnect 移除远端玩家；返回 true 表示通知的是本地玩家（服务端关闭会话）
func (r *Reconciler) ApplyDisconnect(id int) bool {
	if r.initialized && id == r.local.ID {
		return true
	}
	delete(r.remotes, id)
	return false
}

// Apply 按帧类型分发，畸形帧返回 protocol.ErrMalformedFrame
func (r *Reconciler) Apply(f protocol.Frame) (closed bool, err error) {
	switch f.Kind {
	case protocol.KindInit:
		in, err := protocol.DecodeInit(f)
		if err != nil {
			return false, err
		}
		r.ApplyInit(in)
	case protocol.KindUpdate:
		groups, err := protocol.DecodeUpdate(f)
		if err != nil {
			return false, err
		}
		r.ApplyUpdate(groups)
	case protocol.KindDisconnect:
		id, err := protocol.DecodeDisconnect(f)
		if err != nil {
			return false, err
		}
		return r.ApplyDisconnect(id), nil
	}
	return false, nil
}

// OwnUpdate 编码本地状态；未初始化时返回 ErrNotInitialized，丢包开关打开时 ok 为 false
func (r *Reconciler) OwnUpdate() (frame []byte, ok bool, err error) {
	if !r.initialized {
		return nil, false, ErrNotInitialized
	}
	if r.dropPackets {
		return nil, false, nil
	}
	return protocol.EncodeClientUpdate(protocol.Position{ID: r.local.ID, X: r.local.X, Y: r.local.Y}), true, nil
}

// DrainCritical 读取并清零临界区计数
func (r *Reconciler) DrainCritical() int {
	return r.prox.Drain()
}

func (r *Reconciler) remoteList() []Player {
	out := make([]Player, 0, len(r.remotes))
	for _, rp := range r.remotes {
		out = append(out, rp.Player)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// View 渲染快照；未初始化时不包含远端玩家
func (r *Reconciler) View() View {
	v := View{Initialized: r.initialized, Local: r.local}
	if r.initialized {
		v.Remotes = r.remoteList()
	}
	return v
}

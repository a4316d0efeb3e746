package server

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"lagswitch/logging"
	"lagswitch/protocol"
)

const inboxSize = 256

// Hub 权威服务端：注册表、采样器与周期任务都由 Run 所在的单个 goroutine 推进。
// 传输层协程只通过 inbox 投递事件。
type Hub struct {
	cfg      Config
	registry *Registry
	sampler  *Sampler
	sessions *SessionTable
	metrics  *Metrics
	limiter  *connectLimiter

	sched Scheduler
	inbox chan event
	done  chan struct{}

	dropProb atomic.Uint64 // float64 bits，可热更新

	now func() time.Time
}

// NewHub 创建服务端；rng 为 nil 时出生点与颜色使用时间种子
func NewHub(cfg Config, rng *rand.Rand) *Hub {
	h := &Hub{
		cfg:      cfg,
		registry: NewRegistry(cfg.World, rng),
		sampler:  NewSampler(Detector{DetectorConfig: cfg.Detector, Expected: cfg.ExpectedPerSample()}),
		sessions: NewSessionTable(cfg.MaxSessions),
		metrics:  &Metrics{},
		limiter:  newConnectLimiter(cfg.ConnectRate, cfg.ConnectBurst),
		inbox:    make(chan event, inboxSize),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	h.SetSimulateDropProb(cfg.SimulateDropProb)
	return h
}

func (h *Hub) Config() Config          { return h.cfg }
func (h *Hub) Registry() *Registry     { return h.registry }
func (h *Hub) Sampler() *Sampler       { return h.sampler }
func (h *Hub) Sessions() *SessionTable { return h.sessions }
func (h *Hub) Metrics() *Metrics       { return h.metrics }

func (h *Hub) SimulateDropProb() float64 {
	return math.Float64frombits(h.dropProb.Load())
}

func (h *Hub) SetSimulateDropProb(p float64) {
	h.dropProb.Store(math.Float64bits(p))
}

func (h *Hub) dropSimulated() bool {
	p := h.SimulateDropProb()
	return p > 0 && rand.Float64() < p
}

// post 投递事件。mustDeliver 为 true 时阻塞直到入队或 Hub 退出（连接/断开不能丢）；
// 否则队列满即丢弃（位置更新）。
func (h *Hub) post(ev event, mustDeliver bool) bool {
	if mustDeliver {
		select {
		case h.inbox <- ev:
			return true
		case <-h.done:
			return false
		}
	}
	select {
	case h.inbox <- ev:
		return true
	case <-h.done:
		return false
	default:
		h.metrics.IncChanFullDiscarded()
		logging.Log.Debugf("inbox full, discard %s from %s", ev.kind, ev.ep)
		return false
	}
}

// Run 事件循环：处理传输事件，并在同一 goroutine 中执行到期的广播与采样任务
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	if err := h.cfg.Validate(); err != nil {
		return err
	}

	start := h.now()
	h.sched.Every("broadcast", h.cfg.BroadcastPeriod, start, h.broadcast)
	h.sched.Every("sample", h.cfg.SamplePeriod, start, h.sample)
	logging.Log.Infof("hub running: broadcast=%v sample=%v window=%d max_sessions=%d",
		h.cfg.BroadcastPeriod, h.cfg.SamplePeriod, h.cfg.Detector.Threshold, h.cfg.MaxSessions)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		if next, ok := h.sched.Next(); ok {
			wait := next.Sub(h.now())
			if wait < 0 {
				wait = 0
			}
			resetTimer(timer, wait)
		}
		select {
		case <-ctx.Done():
			return nil
		case ev := <-h.inbox:
			h.handle(ev)
		case <-timer.C:
		}
		h.sched.RunDue(h.now())
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (h *Hub) handle(ev event) {
	switch ev.kind {
	case evConnect:
		h.connect(ev.ep)
	case evUpdate:
		if err := h.registry.OnUpdateFrom(ev.ep, ev.pos.ID, ev.pos.X, ev.pos.Y); err != nil {
			h.metrics.IncUnknownPlayer()
			logging.Log.Debugf("drop update from %s for id %d: %v", ev.ep, ev.pos.ID, err)
			return
		}
		h.metrics.IncAccepted()
	case evLeave:
		h.disconnect(ev.ep)
	}
}

// connect 注册玩家并只向该会话可靠发送 Init
func (h *Hub) connect(ep Endpoint) {
	p := h.registry.OnConnect(ep)
	c := h.sessions.Get(ep)
	if c == nil {
		// 会话在事件处理前已断开，随后的 leave 事件为空操作
		h.registry.OnDisconnect(ep)
		return
	}
	if err := c.SendReliable(protocol.EncodeInit(p.Init())); err != nil {
		logging.Log.Warnf("init player %d: %v", p.ID, err)
		return
	}
	c.ready.Store(true)
	logging.Log.Infof("player %d connected (%s) at (%d,%d) color=(%d,%d,%d)",
		p.ID, ep, p.X, p.Y, p.Color.R, p.Color.G, p.Color.B)
}

// disconnect 移除玩家，并可靠通知其他会话
func (h *Hub) disconnect(ep Endpoint) {
	removed := h.registry.OnDisconnect(ep)
	for _, p := range removed {
		logging.Log.Infof("player %d disconnected (%s)", p.ID, ep)
		frame := protocol.EncodeDisconnect(p.ID)
		for _, c := range h.sessions.All() {
			if err := c.SendReliable(frame); err != nil {
				logging.Log.Debugf("notify %s of %d leaving: %v", c.Endpoint(), p.ID, err)
			}
		}
	}
}

// broadcast 周期任务：空房间跳过，否则一帧发给所有会话；单个失败不影响其他会话
func (h *Hub) broadcast(now time.Time) {
	players := h.registry.Snapshot()
	if len(players) == 0 {
		return
	}
	start := time.Now()
	groups := make([]protocol.Position, len(players))
	for i, p := range players {
		groups[i] = p.Position()
	}
	frame := protocol.EncodeUpdate(groups)

	sent := 0
	for _, c := range h.sessions.All() {
		if !c.Ready() {
			continue
		}
		if err := c.SendBestEffort(frame); err != nil {
			h.metrics.IncSendFailure()
			logging.Log.Debugf("broadcast: %v", err)
			continue
		}
		sent++
	}
	h.metrics.AddBroadcast(time.Since(start).Nanoseconds(), sent*len(frame))
}

// sample 周期任务：读取并清零包计数，交给采样器；被标记的玩家只记录日志
func (h *Hub) sample(now time.Time) {
	counts := h.registry.DrainCounters()
	h.metrics.IncSampleTick()
	reports := h.sampler.Sample(counts)
	for _, r := range reports {
		logging.Log.Warnw("packet-rate anomaly",
			"player", r.PlayerID,
			"mean", r.Mean,
			"expected", r.Expected,
			"low_fraction", r.LowFraction,
			"reason", r.Reason,
		)
	}
	h.metrics.AddFlags(len(reports))
}

// Shutdown 通知所有会话断开并等待写协程退出；超过 ctx 期限的会话直接放弃
func (h *Hub) Shutdown(ctx context.Context) error {
	owners := make(map[Endpoint][]int)
	for _, p := range h.registry.Snapshot() {
		owners[p.Endpoint] = append(owners[p.Endpoint], p.ID)
	}

	conns := h.sessions.All()
	var errs error
	for _, c := range conns {
		for _, id := range owners[c.Endpoint()] {
			errs = multierr.Append(errs, c.SendReliable(protocol.EncodeDisconnect(id)))
		}
		c.Close()
	}
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
			if c.ws != nil {
				_ = c.ws.Close()
			}
			errs = multierr.Append(errs, fmt.Errorf("session %s: %w", c.Endpoint(), ctx.Err()))
		}
	}
	if errs != nil {
		logging.Log.Warnf("shutdown: %v", errs)
	}
	logging.Log.Infof("hub stopped: %d session(s) notified", len(conns))
	return errs
}

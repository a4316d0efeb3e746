package server

import (
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// Metrics 记录服务运行期的关键指标（用于监控与调试）
type Metrics struct {
	Broadcasts        int64 // 实际发出的广播次数（空房间跳过不计）
	BroadcastBytes    int64 // 广播负载累计字节（按会话计）
	SendFailures      int64 // 单个会话发送失败（队列满或已关闭）
	FramesAccepted    int64 // 被接受的客户端更新
	MalformedFrames   int64 // 解码失败被丢弃的帧
	UnknownPlayer     int64 // 引用未注册 id 的更新
	DropsSimulated    int64 // 因模拟丢包被丢弃的更新
	ChanFullDiscarded int64 // 事件队列满被丢弃的更新
	CapacityRejected  int64 // 超出会话上限被拒绝的连接
	RateLimited       int64 // 连接频率限制拒绝的连接
	SampleTicks       int64 // 采样次数
	AnomalyFlags      int64 // 被标记的异常窗口
	TotalTickNs       int64 // 广播累计耗时（纳秒）
}

func (m *Metrics) IncSendFailure()       { atomic.AddInt64(&m.SendFailures, 1) }
func (m *Metrics) IncAccepted()          { atomic.AddInt64(&m.FramesAccepted, 1) }
func (m *Metrics) IncMalformed()         { atomic.AddInt64(&m.MalformedFrames, 1) }
func (m *Metrics) IncUnknownPlayer()     { atomic.AddInt64(&m.UnknownPlayer, 1) }
func (m *Metrics) IncDropsSimulated()    { atomic.AddInt64(&m.DropsSimulated, 1) }
func (m *Metrics) IncChanFullDiscarded() { atomic.AddInt64(&m.ChanFullDiscarded, 1) }
func (m *Metrics) IncCapacityRejected()  { atomic.AddInt64(&m.CapacityRejected, 1) }
func (m *Metrics) IncRateLimited()       { atomic.AddInt64(&m.RateLimited, 1) }
func (m *Metrics) IncSampleTick()        { atomic.AddInt64(&m.SampleTicks, 1) }
func (m *Metrics) AddFlags(n int)        { atomic.AddInt64(&m.AnomalyFlags, int64(n)) }
func (m *Metrics) AddBroadcast(ns int64, bytes int) {
	atomic.AddInt64(&m.Broadcasts, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
	atomic.AddInt64(&m.BroadcastBytes, int64(bytes))
}

// Load 原子读取单个计数器
func Load(counter *int64) int64 { return atomic.LoadInt64(counter) }

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	n := atomic.LoadInt64(&m.Broadcasts)
	total := atomic.LoadInt64(&m.TotalTickNs)
	bytes := atomic.LoadInt64(&m.BroadcastBytes)
	var avgMs float64
	if n > 0 {
		avgMs = float64(total) / float64(n) / 1e6
	}
	return map[string]any{
		"broadcasts":          n,
		"broadcast_bytes":     bytes,
		"broadcast_bytes_h":   humanize.Bytes(uint64(bytes)),
		"send_failures":       atomic.LoadInt64(&m.SendFailures),
		"frames_accepted":     atomic.LoadInt64(&m.FramesAccepted),
		"malformed_frames":    atomic.LoadInt64(&m.MalformedFrames),
		"unknown_player":      atomic.LoadInt64(&m.UnknownPlayer),
		"drops_simulated":     atomic.LoadInt64(&m.DropsSimulated),
		"chan_full_discarded": atomic.LoadInt64(&m.ChanFullDiscarded),
		"capacity_rejected":   atomic.LoadInt64(&m.CapacityRejected),
		"rate_limited":        atomic.LoadInt64(&m.RateLimited),
		"sample_ticks":        atomic.LoadInt64(&m.SampleTicks),
		"anomaly_flags":       atomic.LoadInt64(&m.AnomalyFlags),
		"avg_broadcast_ms":    avgMs,
	}
}

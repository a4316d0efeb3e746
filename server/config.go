package server

import (
	"errors"
	"fmt"
	"time"

	"lagswitch/protocol"
)

// ErrInvalidConfig 启动参数不合法
var ErrInvalidConfig = errors.New("invalid config")

// Config 服务端运行参数；默认值对应原始实现的常量
type Config struct {
	Addr        string
	MaxSessions int // 同时在线会话上限，超出在握手前拒绝

	World protocol.World

	BroadcastPeriod  time.Duration // 广播周期（16ms，约 62.5Hz）
	SamplePeriod     time.Duration // 异常采样周期
	ClientSendPeriod time.Duration // 客户端上报周期，用于推导期望包速率

	Detector DetectorConfig

	SimulateDropProb float64 // 入站更新的模拟丢包概率（测试采样器用）

	ConnectRate  float64 // 每个 IP 每秒允许的新连接数
	ConnectBurst int

	SendQueue       int           // 尽力而为通道的队列长度
	ShutdownTimeout time.Duration // 关闭时通知会话的最长等待
}

// DetectorConfig 丢包异常判定规则的参数
type DetectorConfig struct {
	Threshold       int     // 窗口长度（采样次数），达到后分析并清空
	MinSamples      int     // 窗口样本少于此数不分析（中途加入的玩家）
	LowRateFraction float64 // 单个样本低于 期望值*此比例 视为“低”
	FlagFraction    float64 // 低样本占比达到此值即标记
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Threshold:       60,
		MinSamples:      10,
		LowRateFraction: 0.5,
		FlagFraction:    0.25,
	}
}

func DefaultConfig() Config {
	return Config{
		Addr:             fmt.Sprintf(":%d", protocol.DefaultPort),
		MaxSessions:      4,
		World:            protocol.DefaultWorld(),
		BroadcastPeriod:  16 * time.Millisecond,
		SamplePeriod:     time.Second,
		ClientSendPeriod: 16 * time.Millisecond,
		Detector:         DefaultDetectorConfig(),
		ConnectRate:      2,
		ConnectBurst:     4,
		SendQueue:        64,
		ShutdownTimeout:  2 * time.Second,
	}
}

// ExpectedPerSample 每个采样周期内一个正常客户端应发送的包数
func (c Config) ExpectedPerSample() float64 {
	if c.ClientSendPeriod <= 0 {
		return 0
	}
	return float64(c.SamplePeriod) / float64(c.ClientSendPeriod)
}

// Validate 周期必须为正，否则调度器与期望包速率无意义
func (c Config) Validate() error {
	periods := []struct {
		name string
		d    time.Duration
	}{
		{"broadcast", c.BroadcastPeriod},
		{"sample", c.SamplePeriod},
		{"client-send", c.ClientSendPeriod},
	}
	for _, p := range periods {
		if p.d <= 0 {
			return fmt.Errorf("%w: %s period must be positive, got %v", ErrInvalidConfig, p.name, p.d)
		}
	}
	if c.Detector.Threshold <= 0 {
		return fmt.Errorf("%w: window must be positive, got %d", ErrInvalidConfig, c.Detector.Threshold)
	}
	if c.World.MaxCoord() <= 0 {
		return fmt.Errorf("%w: world %d too small for player size %d", ErrInvalidConfig, c.World.Extent, c.World.PlayerSize)
	}
	return nil
}

package server

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// maxReports 保留最近的异常报告条数
const maxReports = 64

// SampleWindow 单个玩家的包速率采样窗口，长度不超过 Threshold
type SampleWindow struct {
	History []int
}

// Verdict 一个窗口的分析结果
type Verdict struct {
	Samples     int
	Mean        float64
	LowSamples  int
	LowFraction float64
	Flagged     bool
	Reason      string
}

// Detector 丢包（lag switch）判定规则：
// 单个样本低于 期望*LowRateFraction 记为低；低样本占比 >= FlagFraction，
// 或整体均值低于 期望*LowRateFraction 时标记。
type Detector struct {
	DetectorConfig
	Expected float64 // 每个采样周期的期望包数
}

// Analyze 分析一个完整窗口；样本不足 MinSamples 时不做判定
func (d Detector) Analyze(history []int) Verdict {
	v := Verdict{Samples: len(history)}
	if len(history) == 0 {
		return v
	}
	floor := d.Expected * d.LowRateFraction
	sum := 0
	for _, c := range history {
		sum += c
		if float64(c) < floor {
			v.LowSamples++
		}
	}
	v.Mean = float64(sum) / float64(len(history))
	v.LowFraction = float64(v.LowSamples) / float64(len(history))

	if len(history) < d.MinSamples || d.Expected <= 0 {
		return v
	}
	switch {
	case v.LowFraction >= d.FlagFraction:
		v.Flagged = true
		v.Reason = fmt.Sprintf("%d/%d samples below %.1f packets", v.LowSamples, v.Samples, floor)
	case v.Mean < floor:
		v.Flagged = true
		v.Reason = fmt.Sprintf("mean %.1f below %.1f packets", v.Mean, floor)
	}
	return v
}

// AnomalyReport 被标记玩家的记录，供日志与管理接口使用
type AnomalyReport struct {
	PlayerID    int       `json:"playerId" msgpack:"player_id"`
	Samples     []int     `json:"samples" msgpack:"samples"`
	Mean        float64   `json:"mean" msgpack:"mean"`
	LowFraction float64   `json:"lowFraction" msgpack:"low_fraction"`
	Expected    float64   `json:"expected" msgpack:"expected"`
	Reason      string    `json:"reason" msgpack:"reason"`
	At          time.Time `json:"at" msgpack:"at"`
}

// Sampler 按固定周期累积每玩家包计数，窗口满（全局滚动计数达到 Threshold）时分析并清空。
// 窗口按玩家 id 保存，与注册表分离：断线玩家的窗口保留到下一次滚动。
type Sampler struct {
	mu       sync.Mutex
	det      Detector
	windows  map[int]*SampleWindow
	rollover int
	reports  []AnomalyReport

	now func() time.Time
}

func NewSampler(det Detector) *Sampler {
	if det.Threshold <= 0 {
		det.Threshold = DefaultDetectorConfig().Threshold
	}
	return &Sampler{
		det:     det,
		windows: make(map[int]*SampleWindow),
		now:     time.Now,
	}
}

// Sample 追加一轮计数；若本轮触发滚动，返回被标记的报告
func (s *Sampler) Sample(counts map[int]int) []AnomalyReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range counts {
		w, ok := s.windows[id]
		if !ok {
			w = &SampleWindow{History: make([]int, 0, s.det.Threshold)}
			s.windows[id] = w
		}
		if n := len(w.History) - s.det.Threshold + 1; n > 0 {
			w.History = append(w.History[:0], w.History[n:]...)
		}
		w.History = append(w.History, c)
	}

	s.rollover++
	if s.rollover < s.det.Threshold {
		return nil
	}
	return s.rolloverLocked()
}

func (s *Sampler) rolloverLocked() []AnomalyReport {
	ids := make([]int, 0, len(s.windows))
	for id := range s.windows {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var flagged []AnomalyReport
	at := s.now()
	for _, id := range ids {
		hist := s.windows[id].History
		v := s.det.Analyze(hist)
		if !v.Flagged {
			continue
		}
		flagged = append(flagged, AnomalyReport{
			PlayerID:    id,
			Samples:     append([]int(nil), hist...),
			Mean:        v.Mean,
			LowFraction: v.LowFraction,
			Expected:    s.det.Expected,
			Reason:      v.Reason,
			At:          at,
		})
	}

	s.reports = append(s.reports, flagged...)
	if over := len(s.reports) - maxReports; over > 0 {
		s.reports = append([]AnomalyReport(nil), s.reports[over:]...)
	}
	s.windows = make(map[int]*SampleWindow)
	s.rollover = 0
	return flagged
}

// Window 返回某玩家当前窗口的副本
func (s *Sampler) Window(id int) (SampleWindow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[id]
	if !ok {
		return SampleWindow{}, false
	}
	return SampleWindow{History: append([]int(nil), w.History...)}, true
}

// Rollover 当前滚动计数
func (s *Sampler) Rollover() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollover
}

func (s *Sampler) Reports() []AnomalyReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AnomalyReport(nil), s.reports...)
}

func (s *Sampler) Detector() Detector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.det
}

// SetDetector 热更新判定参数；窗口长度变化不截断已有样本，下一次追加时生效
func (s *Sampler) SetDetector(det Detector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if det.Threshold <= 0 {
		det.Threshold = s.det.Threshold
	}
	s.det = det
}

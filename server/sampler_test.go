package server

import (
	"testing"
	"time"
)

func testDetector() Detector {
	return Detector{DetectorConfig: DefaultDetectorConfig(), Expected: 62.5}
}

func TestSamplerAppendsCountAndRegistryResets(t *testing.T) {
	r := newTestRegistry(10)
	p := r.OnConnect("a")
	s := NewSampler(testDetector())

	const k = 17
	for i := 0; i < k; i++ {
		if err := r.OnUpdate(p.ID, i, i); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	s.Sample(r.DrainCounters())

	w, ok := s.Window(p.ID)
	if !ok || len(w.History) != 1 || w.History[0] != k {
		t.Fatalf("expected history [%d], got %+v", k, w.History)
	}
	if got, _ := r.Get(p.ID); got.Packets() != 0 {
		t.Fatalf("expected counter reset to 0, got %d", got.Packets())
	}
}

func TestSamplerRolloverClearsWindows(t *testing.T) {
	det := testDetector()
	det.Threshold = 5
	det.MinSamples = 1
	s := NewSampler(det)

	for i := 0; i < 4; i++ {
		if reports := s.Sample(map[int]int{0: 62, 1: 62}); reports != nil {
			t.Fatalf("unexpected reports before rollover: %+v", reports)
		}
	}
	if s.Rollover() != 4 {
		t.Fatalf("expected rollover 4, got %d", s.Rollover())
	}
	s.Sample(map[int]int{0: 62, 1: 62})
	if s.Rollover() != 0 {
		t.Fatalf("expected rollover reset, got %d", s.Rollover())
	}
	if _, ok := s.Window(0); ok {
		t.Fatalf("expected windows cleared after rollover")
	}
}

func TestSamplerFlagsThrottledPlayer(t *testing.T) {
	det := testDetector()
	det.Threshold = 20
	s := NewSampler(det)
	fixed := time.Unix(100, 0)
	s.now = func() time.Time { return fixed }

	var reports []AnomalyReport
	for i := 0; i < 20; i++ {
		cheat := 62
		if i%3 == 0 {
			cheat = 0 // 每三秒切断一次
		}
		reports = s.Sample(map[int]int{0: 63, 1: cheat})
	}
	if len(reports) != 1 {
		t.Fatalf("expected exactly one flagged player, got %+v", reports)
	}
	r := reports[0]
	if r.PlayerID != 1 || len(r.Samples) != 20 || !r.At.Equal(fixed) {
		t.Fatalf("unexpected report %+v", r)
	}
	if got := s.Reports(); len(got) != 1 || got[0].PlayerID != 1 {
		t.Fatalf("expected report retained, got %+v", got)
	}
}

func TestDetectorAnalyze(t *testing.T) {
	d := testDetector()

	healthy := make([]int, 60)
	for i := range healthy {
		healthy[i] = 60 + i%5
	}
	if v := d.Analyze(healthy); v.Flagged {
		t.Fatalf("healthy window flagged: %+v", v)
	}

	// 少数低样本（网络抖动）不触发
	jitter := append([]int(nil), healthy...)
	jitter[10], jitter[40] = 0, 5
	if v := d.Analyze(jitter); v.Flagged {
		t.Fatalf("jitter window flagged: %+v", v)
	}

	bursty := append([]int(nil), healthy...)
	for i := 0; i < 60; i += 3 {
		bursty[i] = 0
	}
	if v := d.Analyze(bursty); !v.Flagged || v.LowSamples != 20 {
		t.Fatalf("expected bursty window flagged with 20 low samples, got %+v", v)
	}

	// 均匀降速：每个样本都低于阈值
	throttled := make([]int, 60)
	for i := range throttled {
		throttled[i] = 20
	}
	if v := d.Analyze(throttled); !v.Flagged || v.Mean != 20 {
		t.Fatalf("expected throttled window flagged, got %+v", v)
	}

	// 样本不足（中途加入）不判定
	if v := d.Analyze([]int{0, 0, 0}); v.Flagged {
		t.Fatalf("short window should not be analysed: %+v", v)
	}
}

func TestSamplerRetainsWindowAfterDisconnect(t *testing.T) {
	r := newTestRegistry(11)
	p := r.OnConnect("a")
	s := NewSampler(testDetector())

	_ = r.OnUpdate(p.ID, 1, 1)
	s.Sample(r.DrainCounters())
	r.OnDisconnect("a")
	s.Sample(r.DrainCounters())

	w, ok := s.Window(p.ID)
	if !ok || len(w.History) != 1 {
		t.Fatalf("expected window retained with one sample, got %+v (ok=%v)", w, ok)
	}
}

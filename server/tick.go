package server

import (
	"container/heap"
	"time"
)

// task 一个固定周期任务（广播、采样），在 Hub 事件循环中执行
type task struct {
	name   string
	period time.Duration
	next   time.Time
	run    func(now time.Time)
	seq    int // 同一时刻到期时按注册顺序执行
	fires  int64
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].next.Equal(h[j].next) {
		return h[i].seq < h[j].seq
	}
	return h[i].next.Before(h[j].next)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Scheduler 按到期时间排序的最小堆。不自带线程：由事件循环查询下一次到期并调用 RunDue，
// 因此周期任务与连接/收包事件在同一个 goroutine 中串行执行。
type Scheduler struct {
	tasks taskHeap
	seq   int
}

// Every 注册周期任务，首次在 start+period 触发
func (s *Scheduler) Every(name string, period time.Duration, start time.Time, fn func(now time.Time)) {
	if period <= 0 {
		panic("scheduler: non-positive period for " + name)
	}
	heap.Push(&s.tasks, &task{name: name, period: period, next: start.Add(period), run: fn, seq: s.seq})
	s.seq++
}

// Next 最早的到期时间
func (s *Scheduler) Next() (time.Time, bool) {
	if len(s.tasks) == 0 {
		return time.Time{}, false
	}
	return s.tasks[0].next, true
}

// RunDue 执行所有 now 之前到期的任务，返回执行次数。
// 落后多个周期时只补一次，不做突发补发（广播过时状态没有意义）。
func (s *Scheduler) RunDue(now time.Time) int {
	ran := 0
	for len(s.tasks) > 0 && !s.tasks[0].next.After(now) {
		t := s.tasks[0]
		t.run(now)
		t.fires++
		ran++
		t.next = t.next.Add(t.period)
		if !t.next.After(now) {
			t.next = now.Add(t.period)
		}
		heap.Fix(&s.tasks, 0)
	}
	return ran
}

// Fires 某任务累计执行次数（按名称）
func (s *Scheduler) Fires(name string) int64 {
	for _, t := range s.tasks {
		if t.name == name {
			return t.fires
		}
	}
	return 0
}

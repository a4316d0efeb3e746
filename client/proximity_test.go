package client

import (
	"testing"

	"lagswitch/protocol"
)

func TestProximityCountsOncePerStep(t *testing.T) {
	pr := Proximity{Radius: DefaultCriticalRadius, Size: 64}
	local := Player{ID: 0, X: 100, Y: 100}
	others := []Player{
		{ID: 1, X: 150, Y: 100}, // 50
		{ID: 2, X: 100, Y: 160}, // 60
		{ID: 3, X: 400, Y: 400},
	}
	if !pr.Check(local, others) {
		t.Fatalf("expected critical zone hit")
	}
	if !pr.Check(local, others) {
		t.Fatalf("expected critical zone hit")
	}
	if n := pr.Drain(); n != 2 {
		t.Fatalf("expected 2 events (one per step), got %d", n)
	}
	if n := pr.Drain(); n != 0 {
		t.Fatalf("expected reset after drain, got %d", n)
	}
}

func TestProximityRadiusIsStrict(t *testing.T) {
	pr := Proximity{Radius: 100, Size: 64}
	local := Player{ID: 0, X: 0, Y: 0}
	if pr.Check(local, []Player{{ID: 1, X: 100, Y: 0}}) {
		t.Fatalf("distance exactly 100 is not inside the zone")
	}
	if !pr.Check(local, []Player{{ID: 1, X: 60, Y: 79}}) {
		t.Fatalf("distance 99.2 should be inside the zone")
	}
	// 自己不计入
	if pr.Check(local, []Player{local}) {
		t.Fatalf("local player must be ignored")
	}
}

func TestReconcilerStepReportsProximity(t *testing.T) {
	r := NewReconciler(DefaultConfig())
	r.ApplyInit(protocol.Init{ID: 0, X: 200, Y: 200})
	r.ApplyUpdate([]protocol.Position{{ID: 1, X: 260, Y: 200}, {ID: 2, X: 140, Y: 200}})

	for i := 0; i < 4; i++ {
		if !r.Step(nil) {
			t.Fatalf("step %d: expected critical zone", i)
		}
	}
	if n := r.DrainCritical(); n != 4 {
		t.Fatalf("expected 4 critical events, got %d", n)
	}
}

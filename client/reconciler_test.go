package client

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"lagswitch/protocol"
)

func initialized(t *testing.T, id, x, y int) *Reconciler {
	t.Helper()
	r := NewReconciler(DefaultConfig())
	r.ApplyInit(protocol.Init{ID: id, X: x, Y: y, Color: protocol.Color{R: 1, G: 2, B: 3}})
	return r
}

func TestNothingHappensBeforeInit(t *testing.T) {
	r := NewReconciler(DefaultConfig())
	if r.Step([]Intent{MoveRight}) {
		t.Fatalf("proximity must not run before init")
	}
	if r.Local().X != 0 {
		t.Fatalf("movement applied before init")
	}
	if _, _, err := r.OwnUpdate(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	r.ApplyUpdate([]protocol.Position{{ID: 3, X: 1, Y: 1}})
	if v := r.View(); v.Initialized || len(v.Remotes) != 0 {
		t.Fatalf("remote players rendered before init: %+v", v)
	}
}

func TestApplyInitAndOwnUpdate(t *testing.T) {
	r := initialized(t, 4, 100, 200)
	frame, ok, err := r.OwnUpdate()
	if err != nil || !ok {
		t.Fatalf("own update: ok=%v err=%v", ok, err)
	}
	if string(frame) != "04;100;200\x00" {
		t.Fatalf("unexpected frame %q", frame)
	}
}

func TestMovementStaysInBounds(t *testing.T) {
	r := initialized(t, 0, 0, 0)
	rng := rand.New(rand.NewSource(3))
	w := protocol.DefaultWorld()
	for i := 0; i < 5000; i++ {
		var intents []Intent
		for d := MoveUp; d <= MoveRight; d++ {
			if rng.Intn(2) == 0 {
				intents = append(intents, d)
			}
		}
		r.Step(intents)
		l := r.Local()
		if l.X < 0 || l.Y < 0 || l.X > 600-64 || l.Y > 600-64 || !w.Contains(l.X, l.Y) {
			t.Fatalf("step %d: out of bounds (%d,%d)", i, l.X, l.Y)
		}
	}

	r = initialized(t, 0, 534, 2)
	r.Step([]Intent{MoveRight, MoveUp})
	if l := r.Local(); l.X != 536 || l.Y != 0 {
		t.Fatalf("expected clamp to (536,0), got (%d,%d)", l.X, l.Y)
	}
	r.Step([]Intent{MoveLeft})
	if l := r.Local(); l.X != 531 {
		t.Fatalf("expected speed 5 step to 531, got %d", l.X)
	}
}

func TestApplyUpdateSkipsLocalAndUpsertsRemotes(t *testing.T) {
	r := initialized(t, 1, 50, 50)
	r.ApplyUpdate([]protocol.Position{{ID: 0, X: 10, Y: 20}, {ID: 1, X: 999, Y: 999}, {ID: 2, X: 5, Y: 6}})

	if l := r.Local(); l.X != 50 || l.Y != 50 {
		t.Fatalf("broadcast overrode local prediction: %+v", l)
	}
	if p, ok := r.Remote(0); !ok || p.X != 10 || p.Y != 20 {
		t.Fatalf("remote 0 not upserted: %+v", p)
	}
	r.ApplyUpdate([]protocol.Position{{ID: 0, X: 11, Y: 21}, {ID: 2, X: 5, Y: 6}})
	if p, _ := r.Remote(0); p.X != 11 || p.Y != 21 {
		t.Fatalf("remote 0 not updated: %+v", p)
	}
	if v := r.View(); len(v.Remotes) != 2 || v.Remotes[0].ID != 0 || v.Remotes[1].ID != 2 {
		t.Fatalf("unexpected view %+v", v)
	}
}

func TestStaleRemotesExpire(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StaleAfter = 3
	r := NewReconciler(cfg)
	r.ApplyInit(protocol.Init{ID: 0})

	r.ApplyUpdate([]protocol.Position{{ID: 0}, {ID: 1, X: 1}, {ID: 2, X: 2}})
	for i := 0; i < 2; i++ {
		r.ApplyUpdate([]protocol.Position{{ID: 0}, {ID: 2, X: 2}})
	}
	if _, ok := r.Remote(1); !ok {
		t.Fatalf("remote 1 expired too early")
	}
	r.ApplyUpdate([]protocol.Position{{ID: 0}, {ID: 2, X: 2}})
	if _, ok := r.Remote(1); ok {
		t.Fatalf("remote 1 should expire after 3 missed broadcasts")
	}
	if _, ok := r.Remote(2); !ok {
		t.Fatalf("remote 2 should remain")
	}

	// 重新出现时缺席计数清零
	r.ApplyUpdate([]protocol.Position{{ID: 0}})
	r.ApplyUpdate([]protocol.Position{{ID: 0}, {ID: 2, X: 2}})
	r.ApplyUpdate([]protocol.Position{{ID: 0}})
	r.ApplyUpdate([]protocol.Position{{ID: 0}})
	if _, ok := r.Remote(2); !ok {
		t.Fatalf("remote 2 miss count should reset when seen")
	}
}

func TestApplyDispatchesFrames(t *testing.T) {
	r := NewReconciler(DefaultConfig())
	decode := func(b []byte) protocol.Frame {
		f, err := protocol.Decode(protocol.ToClient, b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return f
	}

	if _, err := r.Apply(decode(protocol.EncodeInit(protocol.Init{ID: 2, X: 3, Y: 4}))); err != nil || !r.Initialized() {
		t.Fatalf("init not applied: %v", err)
	}
	if _, err := r.Apply(decode(protocol.EncodeUpdate([]protocol.Position{{ID: 5, X: 1, Y: 1}}))); err != nil {
		t.Fatalf("update: %v", err)
	}
	closed, err := r.Apply(decode(protocol.EncodeDisconnect(5)))
	if err != nil || closed {
		t.Fatalf("remote disconnect: closed=%v err=%v", closed, err)
	}
	if _, ok := r.Remote(5); ok {
		t.Fatalf("remote 5 should be removed")
	}
	closed, _ = r.Apply(decode(protocol.EncodeDisconnect(2)))
	if !closed {
		t.Fatalf("disconnect for own id should end the session")
	}

	bad := decode(protocol.Encode(protocol.KindInit, 1, 2, 3, 300, 0, 0))
	if _, err := r.Apply(bad); !errors.Is(err, protocol.ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestToggleDropWithholdsUpdates(t *testing.T) {
	r := initialized(t, 0, 10, 10)
	r.Step([]Intent{ToggleDrop})
	if _, ok, err := r.OwnUpdate(); ok || err != nil {
		t.Fatalf("expected update withheld, ok=%v err=%v", ok, err)
	}
	r.Step([]Intent{ToggleDrop})
	if _, ok, _ := r.OwnUpdate(); !ok {
		t.Fatalf("expected updates resumed")
	}
}

func TestLagSwitchTogglesPeriodically(t *testing.T) {
	src := &LagSwitch{Every: 3}
	toggles := 0
	for i := 0; i < 9; i++ {
		for _, in := range src.Poll() {
			if in == ToggleDrop {
				toggles++
			}
		}
	}
	if toggles != 3 {
		t.Fatalf("expected 3 toggles, got %d", toggles)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg := DefaultConfig()
	cfg.StepPeriod = 0
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("step 0: expected ErrInvalidConfig, got %v", err)
	}
	cfg = DefaultConfig()
	cfg.ReportPeriod = -time.Second
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("negative report period: expected ErrInvalidConfig, got %v", err)
	}
}

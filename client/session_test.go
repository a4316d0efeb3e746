package client

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lagswitch/server"
)

func startHub(t *testing.T) (*server.Hub, string) {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.ConnectRate = 0
	h := server.NewHub(cfg, rand.New(rand.NewSource(7)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func runSession(t *testing.T, url string, input InputSource, onView func(View)) (*Session, context.CancelFunc, <-chan error) {
	t.Helper()
	return runSessionWith(t, url, DefaultConfig(), input, func(s *Session) { s.OnView = onView })
}

// runSessionWith 在 Run 之前调用 setup 设置回调
func runSessionWith(t *testing.T, url string, cfg Config, input InputSource, setup func(*Session)) (*Session, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s, err := Dial(ctx, url, cfg)
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}
	if setup != nil {
		setup(s)
	}
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx, input) }()
	t.Cleanup(cancel)
	return s, cancel, errc
}

func waitExit(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not exit")
		return nil
	}
}

func TestSessionReportsMovement(t *testing.T) {
	h, url := startHub(t)
	moveRight := InputFunc(func() []Intent { return []Intent{MoveRight} })
	s, cancel, errc := runSession(t, url, moveRight, nil)

	edge := h.Config().World.MaxCoord()
	waitFor(t, "server to see the client reach the right edge", func() bool {
		ps := h.Registry().Snapshot()
		return len(ps) == 1 && ps[0].X == edge
	})
	if s.Stats().Sent.Load() == 0 {
		t.Fatalf("expected sent updates")
	}

	cancel()
	if err := waitExit(t, errc); err != nil {
		t.Fatalf("graceful close: %v", err)
	}
	waitFor(t, "player removed", func() bool { return h.Registry().Len() == 0 })
}

func TestSessionWithholdsUpdatesWhileDropping(t *testing.T) {
	h, url := startHub(t)
	first := true
	input := InputFunc(func() []Intent {
		if first {
			first = false
			return []Intent{ToggleDrop, MoveRight}
		}
		return []Intent{MoveRight}
	})

	s, _, _ := runSession(t, url, input, nil)
	waitFor(t, "player registered", func() bool { return h.Registry().Len() == 1 })
	start := h.Registry().Snapshot()[0]

	waitFor(t, "updates withheld", func() bool { return s.Stats().Withheld.Load() >= 20 })
	if n := s.Stats().Sent.Load(); n != 0 {
		t.Fatalf("expected no updates sent while dropping, got %d", n)
	}
	if p, _ := h.Registry().Get(start.ID); p.X != start.X || p.Y != start.Y {
		t.Fatalf("server position moved while dropping: %+v -> %+v", start, p)
	}
}

func TestSessionEndsOnServerShutdown(t *testing.T) {
	h, url := startHub(t)
	_, _, errc := runSession(t, url, nil, nil)
	waitFor(t, "player registered", func() bool { return h.Registry().Len() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = h.Shutdown(ctx)
	waitExit(t, errc)
}

func TestSessionSeesRemotePlayers(t *testing.T) {
	h, url := startHub(t)
	views := make(chan View, 256)
	runSession(t, url, nil, func(v View) {
		select {
		case views <- v:
		default:
		}
	})
	waitFor(t, "first player", func() bool { return h.Registry().Len() == 1 })
	runSession(t, url, nil, nil)
	waitFor(t, "two players", func() bool { return h.Registry().Len() == 2 })

	deadline := time.After(5 * time.Second)
	for {
		select {
		case v := <-views:
			if len(v.Remotes) == 1 && v.Remotes[0].ID == 1 && v.Local.ID == 0 {
				return
			}
		case <-deadline:
			t.Fatalf("remote player never appeared in the view")
		}
	}
}

func TestSessionReportsCriticalEventsPeriodically(t *testing.T) {
	h, url := startHub(t)
	cfg := DefaultConfig()
	cfg.ReportPeriod = 50 * time.Millisecond
	toCorner := InputFunc(func() []Intent { return []Intent{MoveLeft, MoveUp} })

	reports := make(chan int, 1024)
	a, _, _ := runSessionWith(t, url, cfg, toCorner, func(s *Session) {
		s.OnReport = func(n int) {
			select {
			case reports <- n:
			default:
			}
		}
	})
	waitFor(t, "first player", func() bool { return h.Registry().Len() == 1 })
	runSession(t, url, toCorner, nil)

	// 两名玩家都停在 (0,0)，此后每一步都处于临界区
	ticks, total := 0, 0
	deadline := time.After(5 * time.Second)
	for total == 0 || ticks < 3 {
		select {
		case n := <-reports:
			ticks++
			total += n
		case <-deadline:
			t.Fatalf("no critical events reported (ticks=%d)", ticks)
		}
	}
	if c := a.Stats().Critical.Load(); int64(total) > c {
		t.Fatalf("reported %d critical events but only %d occurred", total, c)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	_, url := startHub(t)
	cfg := DefaultConfig()
	s, err := Dial(context.Background(), url, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	s.cfg.StepPeriod = 0
	if err := s.Run(context.Background(), nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

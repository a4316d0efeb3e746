package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"lagswitch/logging"
	"lagswitch/protocol"
)

const writeWait = time.Second

// Stats 会话统计，可跨 goroutine 读取
type Stats struct {
	Sent      atomic.Int64 // 已上报的更新
	Withheld  atomic.Int64 // 因丢包开关未发送的更新
	Malformed atomic.Int64 // 丢弃的畸形帧
	Critical  atomic.Int64 // 累计临界区事件
}

// Session 一个客户端会话：读协程只把帧放入 inbox，其余逻辑都在 Run 的单个循环中执行
type Session struct {
	cfg   Config
	ws    *websocket.Conn
	rec   *Reconciler
	inbox chan []byte
	quit  chan struct{}

	stats Stats

	// OnView 每个本地步后调用（渲染层），在 Run 的 goroutine 中执行
	OnView func(View)
	// OnReport 每个报告周期调用，参数为本周期的临界区事件数
	OnReport func(critical int)
}

// Dial 连接服务端，握手超时为 ConnectTimeout
func Dial(ctx context.Context, url string, cfg Config) (*Session, error) {
	dialer := websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	logging.Log.Infof("connected to %s", url)
	return &Session{
		cfg:   cfg,
		ws:    ws,
		rec:   NewReconciler(cfg),
		inbox: make(chan []byte, 64),
		quit:  make(chan struct{}),
	}, nil
}

func (s *Session) Stats() *Stats { return &s.stats }

func (s *Session) readPump() {
	defer close(s.inbox)
	for {
		_, payload, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Log.Warnf("server connection lost: %v", err)
			}
			return
		}
		select {
		case s.inbox <- payload:
		case <-s.quit:
			return
		}
	}
}

// Run 客户端主循环：处理服务端帧、本地步（移动 + 上报 + 临界区检测）与周期报告。
// ctx 取消时优雅断开；服务端关闭时返回 nil。
func (s *Session) Run(ctx context.Context, input InputSource) error {
	if err := s.cfg.Validate(); err != nil {
		_ = s.ws.Close()
		return err
	}
	go s.readPump()
	defer close(s.quit)

	step := time.NewTicker(s.cfg.StepPeriod)
	defer step.Stop()
	report := time.NewTicker(s.cfg.ReportPeriod)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.close()
		case b, ok := <-s.inbox:
			if !ok {
				logging.Log.Info("server closed the connection")
				return s.ws.Close()
			}
			if closed := s.onFrame(b); closed {
				logging.Log.Info("server ended the session")
				return s.close()
			}
		case <-step.C:
			s.step(input)
		case <-report.C:
			n := s.rec.DrainCritical()
			if s.OnReport != nil {
				s.OnReport(n)
			}
			if n > 0 {
				logging.Log.Infof("critical zone events: %d", n)
			}
		}
	}
}

func (s *Session) onFrame(b []byte) bool {
	f, err := protocol.Decode(protocol.ToClient, b)
	if err != nil {
		s.stats.Malformed.Add(1)
		logging.Log.Debugf("discard frame: %v", err)
		return false
	}
	wasInit := s.rec.Initialized()
	closed, err := s.rec.Apply(f)
	if err != nil {
		s.stats.Malformed.Add(1)
		logging.Log.Debugf("discard %s frame: %v", f.Name(), err)
		return false
	}
	if !wasInit && s.rec.Initialized() {
		l := s.rec.Local()
		logging.Log.Infof("initialized as player %d at (%d,%d)", l.ID, l.X, l.Y)
	}
	return closed
}

func (s *Session) step(input InputSource) {
	var intents []Intent
	if input != nil {
		intents = input.Poll()
	}
	dropping := s.rec.Dropping()
	if s.rec.Step(intents) {
		s.stats.Critical.Add(1)
	}
	if d := s.rec.Dropping(); d != dropping {
		logging.Log.Infof("packet drop simulation: %v", d)
	}
	if s.OnView != nil && s.rec.Initialized() {
		s.OnView(s.rec.View())
	}

	frame, ok, err := s.rec.OwnUpdate()
	switch {
	case errors.Is(err, ErrNotInitialized):
		return
	case !ok:
		s.stats.Withheld.Add(1)
	default:
		s.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			logging.Log.Debugf("send update: %v", err)
			return
		}
		s.stats.Sent.Add(1)
	}
}

// close 发送 close 帧，等待服务端确认（最多 CloseTimeout），期间收到的帧直接丢弃
func (s *Session) close() error {
	err := s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	timer := time.NewTimer(s.cfg.CloseTimeout)
	defer timer.Stop()
	for {
		select {
		case _, ok := <-s.inbox:
			if !ok {
				return s.ws.Close()
			}
		case <-timer.C:
			_ = s.ws.Close()
			return err
		}
	}
}

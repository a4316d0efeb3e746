package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"lagswitch/logging"
	"lagswitch/protocol"
)

// ErrSendFailure 向单个会话发送失败；不影响其他会话
var ErrSendFailure = errors.New("send failure")

const (
	writeWait     = 5 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
	reliableQueue = 16
	maxFrameSize  = 512
)

// ClientConn 一个会话的发送端，包含两条通道：
// 可靠通道（Init/Disconnect，不允许静默丢弃）与尽力而为通道（广播，满则丢弃）。
type ClientConn struct {
	ep         Endpoint
	ws         *websocket.Conn
	reliable   chan []byte
	bestEffort chan []byte

	ready     atomic.Bool // Init 已入队，之后才接收广播
	closing   chan struct{}
	done      chan struct{} // 写协程退出
	closeOnce sync.Once
}

func NewClientConn(ep Endpoint, ws *websocket.Conn, queue int) *ClientConn {
	if queue <= 0 {
		queue = 64
	}
	return &ClientConn{
		ep:         ep,
		ws:         ws,
		reliable:   make(chan []byte, reliableQueue),
		bestEffort: make(chan []byte, queue),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (c *ClientConn) Endpoint() Endpoint { return c.ep }

// Ready 是否已发送 Init（广播只发给已就绪的会话）
func (c *ClientConn) Ready() bool { return c.ready.Load() }

// Done 写协程退出后关闭
func (c *ClientConn) Done() <-chan struct{} { return c.done }

// SendReliable 压入可靠队列。队列满说明对端已无法跟上，直接关闭会话而不是丢弃。
func (c *ClientConn) SendReliable(b []byte) error {
	select {
	case <-c.closing:
		return fmt.Errorf("%w: session %s closed", ErrSendFailure, c.ep)
	default:
	}
	select {
	case c.reliable <- b:
		return nil
	default:
		c.Close()
		return fmt.Errorf("%w: reliable queue full for %s", ErrSendFailure, c.ep)
	}
}

// SendBestEffort 非阻塞压入广播队列，满则丢弃（为了实时性，不阻塞 Tick）
func (c *ClientConn) SendBestEffort(b []byte) error {
	select {
	case <-c.closing:
		return fmt.Errorf("%w: session %s closed", ErrSendFailure, c.ep)
	default:
	}
	select {
	case c.bestEffort <- b:
		return nil
	default:
		return fmt.Errorf("%w: queue full for %s", ErrSendFailure, c.ep)
	}
}

// Close 请求关闭：写协程先发完可靠队列中的消息，再发送 close 帧
func (c *ClientConn) Close() {
	c.closeOnce.Do(func() { close(c.closing) })
}

func (c *ClientConn) write(msgType int, b []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(msgType, b)
}

// writePump 独立协程，可靠队列优先写出
func (c *ClientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.done)
	}()
	for {
		select {
		case msg := <-c.reliable:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
			continue
		default:
		}

		select {
		case msg := <-c.reliable:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case msg := <-c.bestEffort:
			// 同时就绪时 select 随机选择，先清空可靠队列保证 Init 先于广播
			if !c.flushReliable() {
				return
			}
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closing:
			c.flushReliable()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *ClientConn) flushReliable() bool {
	for {
		select {
		case msg := <-c.reliable:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return false
			}
		default:
			return true
		}
	}
}

// readPump 读取客户端帧，解码后投递到 Hub；退出时通知 Hub 移除该会话
func (c *ClientConn) readPump(h *Hub) {
	defer func() {
		c.Close()
		h.leave(c.ep)
	}()
	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Log.Debugf("read %s: %v", c.ep, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		h.onFrame(c.ep, payload)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 无浏览器客户端，允许所有来源
		return true
	},
}

// connectLimiter 按来源 IP 限制建连频率
type connectLimiter struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	byIP  map[string]*rate.Limiter
}

func newConnectLimiter(perSecond float64, burst int) *connectLimiter {
	l := rate.Limit(perSecond)
	if perSecond <= 0 {
		l = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &connectLimiter{limit: l, burst: burst, byIP: make(map[string]*rate.Limiter)}
}

func (l *connectLimiter) Allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	l.mu.Lock()
	lim, ok := l.byIP[host]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.byIP[host] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// HandleWS WebSocket 接入：先做频率与容量检查，再握手并注册会话
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow(r.RemoteAddr) {
		h.metrics.IncRateLimited()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if err := h.sessions.Reserve(); err != nil {
		h.metrics.IncCapacityRejected()
		logging.Log.Warnf("reject %s: %v (max %d)", r.RemoteAddr, err, h.cfg.MaxSessions)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.sessions.Release()
		logging.Log.Warnf("upgrade error: %v", err)
		return
	}

	c := NewClientConn(NewEndpoint(), ws, h.cfg.SendQueue)
	h.sessions.Add(c)
	if !h.post(event{kind: evConnect, ep: c.ep}, true) {
		h.sessions.Remove(c.ep)
		_ = ws.Close()
		return
	}
	logging.Log.Debugf("session %s opened from %s", c.ep, r.RemoteAddr)

	go c.writePump()
	go c.readPump(h)
}

// onFrame 在读协程中解码；畸形帧直接丢弃，会话继续
func (h *Hub) onFrame(ep Endpoint, payload []byte) {
	f, err := protocol.Decode(protocol.ToServer, payload)
	if err == nil {
		var pos protocol.Position
		if pos, err = protocol.DecodeClientUpdate(f); err == nil {
			if h.dropSimulated() {
				h.metrics.IncDropsSimulated()
				return
			}
			h.post(event{kind: evUpdate, ep: ep, pos: pos}, false)
			return
		}
	}
	h.metrics.IncMalformed()
	logging.Log.Debugf("discard frame from %s: %v", ep, err)
}

// leave 会话结束：从会话表移除并请求在事件循环中移除玩家
func (h *Hub) leave(ep Endpoint) {
	h.sessions.Remove(ep)
	h.post(event{kind: evLeave, ep: ep}, true)
}

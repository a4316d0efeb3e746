package server

import (
	"errors"
	"sync"
)

// ErrCapacityExceeded 会话数已达上限，连接在进入注册表之前被拒绝
var ErrCapacityExceeded = errors.New("capacity exceeded")

// SessionTable 传输层会话表：容量控制与 endpoint → 连接 映射
type SessionTable struct {
	mu       sync.RWMutex
	max      int
	reserved int // 已预留但尚未 Add 的名额
	sessions map[Endpoint]*ClientConn
}

func NewSessionTable(max int) *SessionTable {
	return &SessionTable{max: max, sessions: make(map[Endpoint]*ClientConn)}
}

// Reserve 在握手前占用一个名额；失败返回 ErrCapacityExceeded
func (t *SessionTable) Reserve() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.max > 0 && len(t.sessions)+t.reserved >= t.max {
		return ErrCapacityExceeded
	}
	t.reserved++
	return nil
}

// Release 归还未使用的预留名额（握手失败）
func (t *SessionTable) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reserved > 0 {
		t.reserved--
	}
}

// Add 将已预留的名额转为在线会话
func (t *SessionTable) Add(c *ClientConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reserved > 0 {
		t.reserved--
	}
	t.sessions[c.Endpoint()] = c
}

// Remove 移除会话，返回被移除的连接（可能为 nil）
func (t *SessionTable) Remove(ep Endpoint) *ClientConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.sessions[ep]
	delete(t.sessions, ep)
	return c
}

func (t *SessionTable) Get(ep Endpoint) *ClientConn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[ep]
}

// All 当前所有会话的快照
func (t *SessionTable) All() []*ClientConn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*ClientConn, 0, len(t.sessions))
	for _, c := range t.sessions {
		out = append(out, c)
	}
	return out
}

func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

package session

import (
	"sync"

	"github.com/lk2023060901/relay-hub/pkg/util/merr"
)

// Manager 维护当前所有存活会话的索引，键为连接 ID。
//
// 特性：
//   - 使用读写锁保证并发安全；
//   - Add 在遇到重复 ID 时返回错误，避免覆盖旧会话；
//   - Range 在遍历前复制一份会话切片，避免在持锁情况下执行用户回调；
//   - 只负责索引，不负责关闭会话。
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewManager 创建一个空的 Manager。
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]Session),
	}
}

// Add 将一个已创建好的 Session 加入管理器。
func (m *Manager) Add(sess Session) error {
	id := sess.ID()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return merr.WrapErrSessionExists(id)
	}
	m.sessions[id] = sess
	return nil
}

// Get 根据连接 ID 查找会话。
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	return sess, ok
}

// Remove 移除指定 ID 的会话，返回其是否存在。
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; !exists {
		return false
	}
	delete(m.sessions, id)
	return true
}

// Range 遍历当前所有会话，fn 返回 false 时中断遍历。
func (m *Manager) Range(fn func(sess Session) bool) {
	if fn == nil {
		return
	}

	for _, sess := range m.Snapshot() {
		if !fn(sess) {
			return
		}
	}
}

// Snapshot 返回当前会话的副本切片。
func (m *Manager) Snapshot() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		snapshot = append(snapshot, sess)
	}
	return snapshot
}

// Count 返回当前会话数量。
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

package connection

import (
	"sync"
	"sync/atomic"
	"time"
)

// User 本实例持有活跃连接的已认证用户
// 由持有 socket 的实例独占；只有存在性和位置经在线注册表共享
type User struct {
	ID       string
	Name     string
	RoomID   string
	Conn     *Conn
	JoinedAt time.Time

	// superseded 被新连接取代的标记；置位后断开清理不再移除在线记录
	superseded atomic.Bool
}

// MarkSuperseded 标记该连接已被新连接取代
func (u *User) MarkSuperseded() {
	u.superseded.Store(true)
}

// Superseded 是否已被取代
func (u *User) Superseded() bool {
	return u.superseded.Load()
}

// Manager 管理本实例的全部已认证连接
type Manager struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewManager 创建连接管理器
func NewManager() *Manager {
	return &Manager{
		users: make(map[string]*User),
	}
}

// Add 登记用户连接
func (m *Manager) Add(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// Remove 移除用户连接
// 只在当前登记的正是这条连接时移除，避免误删取代它的新连接
func (m *Manager) Remove(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.users[u.ID]; ok && cur == u {
		delete(m.users, u.ID)
	}
}

// Get 按用户 ID 查找连接
func (m *Manager) Get(userID string) *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.users[userID]
}

// Count 当前连接数
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

// UserIDs 全部在线用户 ID 的快照（心跳续期用）
func (m *Manager) UserIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	return ids
}

// All 全部连接的快照
func (m *Manager) All() []*User {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	return users
}

package hub

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/lk2023060901/relay-hub/internal/json"
	"github.com/lk2023060901/relay-hub/internal/network/session"
	"github.com/lk2023060901/relay-hub/pkg/metrics"
	"github.com/lk2023060901/relay-hub/pkg/util/merr"
)

// Entry 为一条连接在注册表中的状态。
//
// 约束：Online 为 true 时 Identity 一定非空，且身份索引中该身份指向本连接。
type Entry struct {
	ConnID   string
	Session  session.Session
	Identity string
	Profile  json.RawMessage
	Online   bool

	ConnectedAt  time.Time
	RegisteredAt time.Time
	LastSeen     time.Time
}

// Registration 为一次注册的结果。
type Registration struct {
	// Superseded 为本连接此前注册的另一个身份，已随本次注册解绑；为空表示没有。
	Superseded string

	// Displaced 为此前持有同一身份的另一条连接，已被降为离线但不会被关闭；为空表示没有。
	Displaced string

	// Online 为注册完成后的在线用户快照（包含自己）。
	Online []OnlineUser
}

// Registry 是连接注册表与身份索引的唯一入口。
//
// 两者由同一把读写锁保护，“注册 + 绑定”与“移除 + 条件解绑”都是原子的复合操作，
// 因此身份索引永远不会指向注册表中不存在的连接。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	index   *identityIndex

	now func() time.Time
}

// NewRegistry 创建一个空的注册表。
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		index:   newIdentityIndex(),
		now:     time.Now,
	}
}

// Create 为新连接插入一条未注册的记录，连接 ID 重复时返回 ErrSessionExists。
func (r *Registry) Create(sess session.Session) error {
	connID := sess.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[connID]; exists {
		return merr.WrapErrSessionExists(connID)
	}
	now := r.now()
	r.entries[connID] = &Entry{
		ConnID:      connID,
		Session:     sess,
		ConnectedAt: now,
		LastSeen:    now,
	}
	return nil
}

// Register 将 identity 注册到 connID 上并标记在线，连接不存在时返回 ErrSessionNotFound。
//
// 同一身份此前绑定在其他连接上时，该连接被降为离线（不关闭）；
// 本连接此前注册过其他身份时，旧身份被解绑并通过 Superseded 返回。
func (r *Registry) Register(connID, identity string, profile json.RawMessage) (Registration, error) {
	return r.RegisterWith(connID, identity, profile, nil)
}

// RegisterWith 与 Register 相同，并在持有写锁时以注册结果调用 onBound。
//
// 之后任何连接的注册都排在 onBound 之后，因此 onBound 中入队的消息
// 先于本连接可能收到的任何上线广播。onBound 不能阻塞，也不能再访问 Registry。
func (r *Registry) RegisterWith(connID, identity string, profile json.RawMessage, onBound func(Registration)) (Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reg Registration
	e, ok := r.entries[connID]
	if !ok {
		return reg, merr.WrapErrSessionNotFound(connID)
	}

	if e.Identity != "" && e.Identity != identity {
		if r.index.unbind(e.Identity, connID) {
			reg.Superseded = e.Identity
		}
	}
	if prev, ok := r.index.resolve(identity); ok && prev != connID {
		if other, exists := r.entries[prev]; exists {
			other.Online = false
		}
		reg.Displaced = prev
	}

	now := r.now()
	e.Identity = identity
	e.Profile = slices.Clone(profile)
	e.Online = true
	e.RegisteredAt = now
	e.LastSeen = now
	r.index.bind(identity, connID)
	metrics.UsersOnline.Set(float64(r.index.len()))

	reg.Online = r.listOnlineLocked()
	if onBound != nil {
		onBound(reg)
	}
	return reg, nil
}

// Get 返回 connID 对应记录的副本。
func (r *Registry) Get(connID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[connID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Remove 删除 connID 对应的记录并返回其副本；仅当身份索引仍指向本连接时才解绑。
func (r *Registry) Remove(connID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connID]
	if !ok {
		return Entry{}, false
	}
	delete(r.entries, connID)
	if e.Identity != "" {
		r.index.unbind(e.Identity, connID)
	}
	metrics.UsersOnline.Set(float64(r.index.len()))
	return *e, true
}

// Resolve 按身份查找当前在线的连接记录。
func (r *Registry) Resolve(identity string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connID, ok := r.index.resolve(identity)
	if !ok {
		return Entry{}, false
	}
	e, ok := r.entries[connID]
	if !ok || !e.Online {
		return Entry{}, false
	}
	return *e, true
}

// ListOnline 返回在线用户快照，按 userId 排序，没有在线用户时返回空切片。
func (r *Registry) ListOnline() []OnlineUser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listOnlineLocked()
}

func (r *Registry) listOnlineLocked() []OnlineUser {
	users := lo.FilterMap(lo.Values(r.entries), func(e *Entry, _ int) (OnlineUser, bool) {
		if !e.Online || e.Identity == "" {
			return OnlineUser{}, false
		}
		return OnlineUser{UserID: e.Identity, UserInfo: orNull(e.Profile)}, true
	})
	slices.SortFunc(users, func(a, b OnlineUser) int {
		return strings.Compare(a.UserID, b.UserID)
	})
	return users
}

// OnlineExcept 返回除 identity 之外所有在线连接的会话快照，用于广播。
func (r *Registry) OnlineExcept(identity string) []session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.FilterMap(lo.Values(r.entries), func(e *Entry, _ int) (session.Session, bool) {
		return e.Session, e.Online && e.Identity != identity
	})
}

// Touch 刷新连接的最近活跃时间，连接不存在时返回 false。
func (r *Registry) Touch(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connID]
	if !ok {
		return false
	}
	e.LastSeen = r.now()
	return true
}

// Idle 返回最近活跃时间早于 cutoff 的连接，包括未注册的连接。
func (r *Registry) Idle(cutoff time.Time) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.FilterMap(lo.Values(r.entries), func(e *Entry, _ int) (Entry, bool) {
		return *e, e.LastSeen.Before(cutoff)
	})
}

// Count 返回当前连接数与在线身份数。
func (r *Registry) Count() (connections, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries), r.index.len()
}

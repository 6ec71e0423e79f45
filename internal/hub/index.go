package hub

// identityIndex 维护 身份 -> 连接 ID 的映射，每个身份至多绑定一个连接。
//
// 自身不加锁，只能在 Registry 的锁内使用。
type identityIndex struct {
	byIdentity map[string]string
}

func newIdentityIndex() *identityIndex {
	return &identityIndex{
		byIdentity: make(map[string]string),
	}
}

// bind 覆盖 identity 原有的绑定（后注册者生效）。
func (x *identityIndex) bind(identity, connID string) {
	x.byIdentity[identity] = connID
}

// resolve 返回 identity 当前绑定的连接 ID。
func (x *identityIndex) resolve(identity string) (string, bool) {
	connID, ok := x.byIdentity[identity]
	return connID, ok
}

// unbind 仅当 identity 当前绑定的正是 connID 时才移除，返回是否移除。
// 旧连接的迟到解绑不会影响同一身份在新连接上的绑定。
func (x *identityIndex) unbind(identity, connID string) bool {
	if current, ok := x.byIdentity[identity]; !ok || current != connID {
		return false
	}
	delete(x.byIdentity, identity)
	return true
}

func (x *identityIndex) len() int {
	return len(x.byIdentity)
}

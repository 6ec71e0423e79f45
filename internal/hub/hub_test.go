package hub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samber/lo"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/relay-hub/internal/json"
	network "github.com/lk2023060901/relay-hub/internal/network"
	"github.com/lk2023060901/relay-hub/pkg/metrics"
	"github.com/lk2023060901/relay-hub/pkg/util/merr"
)

type HubSuite struct {
	suite.Suite

	hub  *Hub
	next int
}

func (s *HubSuite) SetupTest() {
	h, err := New(DefaultConfig())
	s.Require().NoError(err)
	s.hub = h
	s.next = 0
}

// connect 模拟一条新连接并取走 connected 欢迎消息。
func (s *HubSuite) connect() *mockSession {
	s.next++
	sess := newMockSession(fmt.Sprintf("conn-%d", s.next))
	s.hub.OnConnected(sess)
	msgs := sess.drain()
	s.Require().Len(msgs, 1)
	s.Require().Equal(TypeConnected, field[string](msgs[0], "type"))
	return sess
}

func (s *HubSuite) send(sess *mockSession, raw string) {
	s.hub.OnMessage(sess, []byte(raw))
}

// register 注册并取走 registered 回复。
func (s *HubSuite) register(sess *mockSession, userID string, info string) {
	s.send(sess, fmt.Sprintf(`{"type":"register","userId":%q,"userInfo":%s}`, userID, info))
	msgs := sess.drain()
	s.Require().NotEmpty(msgs)
	s.Require().Equal(TypeRegistered, field[string](msgs[0], "type"))
}

func (s *HubSuite) only(sess *mockSession) map[string]json.RawMessage {
	msgs := sess.drain()
	s.Require().Len(msgs, 1)
	return msgs[0]
}

func (s *HubSuite) TestConnected() {
	sess := newMockSession("abc")
	s.hub.OnConnected(sess)
	msg := s.only(sess)
	s.Equal(TypeConnected, field[string](msg, "type"))
	s.Equal("abc", field[string](msg, "clientId"))
	s.Equal("Connected to relay-hub", field[string](msg, "message"))
	s.Equal(Stats{Connections: 1}, s.hub.Stats())
}

func (s *HubSuite) TestRegisterRepliesAndBroadcasts() {
	a := s.connect()
	b := s.connect()
	s.register(a, "alice", `{"name":"Alice"}`)

	s.send(b, `{"type":"register","userId":"bob","userInfo":{"name":"Bob"}}`)
	reply := s.only(b)
	s.Equal(TypeRegistered, field[string](reply, "type"))
	s.Equal("bob", field[string](reply, "userId"))
	s.Equal([]OnlineUser{
		{UserID: "alice", UserInfo: json.RawMessage(`{"name":"Alice"}`)},
		{UserID: "bob", UserInfo: json.RawMessage(`{"name":"Bob"}`)},
	}, field[[]OnlineUser](reply, "onlineUsers"))

	status := s.only(a)
	s.Equal(TypeUserStatus, field[string](status, "type"))
	s.Equal("bob", field[string](status, "userId"))
	s.True(field[bool](status, "isOnline"))
	s.JSONEq(`{"name":"Bob"}`, string(status["userInfo"]))

	s.Equal(Stats{Connections: 2, OnlineUsers: 2}, s.hub.Stats())
}

func (s *HubSuite) TestRegisterWithoutUserInfo() {
	a := s.connect()
	s.send(a, `{"type":"register","userId":"alice"}`)
	reply := s.only(a)
	s.Equal(`[{"userId":"alice","userInfo":null}]`, string(reply["onlineUsers"]))
}

func (s *HubSuite) TestRegisterInvalidUserID() {
	a := s.connect()
	b := s.connect()
	s.register(b, "bob", `{}`)

	cases := []string{
		`{"type":"register","userId":""}`,
		`{"type":"register","userId":"` + strings.Repeat("x", 51) + `"}`,
		`{"type":"register","userId":42}`,
		`{"type":"register","userId":null}`,
		`{"type":"register"}`,
	}
	for _, raw := range cases {
		s.send(a, raw)
		msg := s.only(a)
		s.Equal(TypeError, field[string](msg, "type"), raw)
		s.Equal("Invalid user ID", field[string](msg, "message"), raw)
	}
	s.Empty(b.drain())
	_, ok := s.hub.Registry().Resolve("")
	s.False(ok)

	s.send(a, `{"type":"register","userId":"`+strings.Repeat("界", 50)+`"}`)
	s.Equal(TypeRegistered, field[string](s.only(a), "type"))
}

func (s *HubSuite) TestRelayInjectsSender() {
	a := s.connect()
	b := s.connect()
	s.register(a, "alice", `{}`)
	s.register(b, "bob", `{}`)
	a.drain()

	for _, typ := range []string{"offer", "answer", "ice-candidate"} {
		s.send(a, `{"type":"`+typ+`","targetUserId":"bob","sdp":{"v":1},"extra":[1,2]}`)
		msg := s.only(b)
		s.Equal(typ, field[string](msg, "type"))
		s.Equal("alice", field[string](msg, "fromUserId"))
		s.Equal("bob", field[string](msg, "targetUserId"))
		s.JSONEq(`{"v":1}`, string(msg["sdp"]))
		s.JSONEq(`[1,2]`, string(msg["extra"]))
	}
	s.Empty(a.drain())
}

func (s *HubSuite) TestRelayOverridesSpoofedSender() {
	a := s.connect()
	b := s.connect()
	s.register(a, "alice", `{}`)
	s.register(b, "bob", `{}`)
	a.drain()

	s.send(a, `{"type":"offer","targetUserId":"bob","fromUserId":"mallory"}`)
	s.Equal("alice", field[string](s.only(b), "fromUserId"))
}

func (s *HubSuite) TestRelayFromUnregisteredSender() {
	guest := s.connect()
	b := s.connect()
	s.register(b, "bob", `{}`)

	s.send(guest, `{"type":"offer","targetUserId":"bob"}`)
	s.Equal("null", string(s.only(b)["fromUserId"]))
}

func (s *HubSuite) TestRelayToOfflineTargetIsSilent() {
	a := s.connect()
	s.register(a, "alice", `{}`)

	s.send(a, `{"type":"offer","targetUserId":"nobody"}`)
	s.send(a, `{"type":"answer"}`)
	s.send(a, `{"type":"ice-candidate","targetUserId":7}`)
	s.Empty(a.drain())
}

func (s *HubSuite) TestMessage() {
	a := s.connect()
	b := s.connect()
	s.register(a, "alice", `{}`)
	s.register(b, "bob", `{}`)
	a.drain()

	s.send(a, `{"type":"message","targetUserId":"bob","messageData":{"text":"hi"}}`)
	msg := s.only(b)
	s.Equal("message", field[string](msg, "type"))
	s.Equal("alice", field[string](msg, "fromUserId"))
	s.JSONEq(`{"text":"hi"}`, string(msg["messageData"]))
	_, hasTarget := msg["targetUserId"]
	s.False(hasTarget)

	s.send(a, `{"type":"message","targetUserId":"carol","messageData":"x"}`)
	s.Empty(a.drain())
	s.Empty(b.drain())
}

func (s *HubSuite) TestContactRequest() {
	a := s.connect()
	b := s.connect()
	s.register(a, "alice", `{"name":"Alice"}`)
	s.register(b, "bob", `{}`)
	a.drain()

	s.send(a, `{"type":"contact-request","targetUserId":"bob","requestData":{"note":"hey"}}`)
	msg := s.only(b)
	s.Equal("contact-request", field[string](msg, "type"))
	s.Equal("alice", field[string](msg, "fromUserId"))
	s.JSONEq(`{"name":"Alice"}`, string(msg["fromUserInfo"]))
	s.JSONEq(`{"note":"hey"}`, string(msg["requestData"]))

	s.send(a, `{"type":"contact-request","targetUserId":"carol"}`)
	reply := s.only(a)
	s.Equal(TypeError, field[string](reply, "type"))
	s.Equal("User carol is not online", field[string](reply, "message"))
}

func (s *HubSuite) TestContactAccepted() {
	a := s.connect()
	b := s.connect()
	s.register(a, "alice", `{}`)
	s.register(b, "bob", `{"name":"Bob"}`)
	a.drain()

	s.send(b, `{"type":"contact-accepted","targetUserId":"alice","accepterInfo":{"ok":true}}`)
	msg := s.only(a)
	s.Equal("contact-accepted", field[string](msg, "type"))
	s.Equal("bob", field[string](msg, "fromUserId"))
	s.JSONEq(`{"name":"Bob"}`, string(msg["fromUserInfo"]))
	s.JSONEq(`{"ok":true}`, string(msg["accepterInfo"]))

	s.send(b, `{"type":"contact-accepted","targetUserId":"carol"}`)
	s.Empty(b.drain())
}

func (s *HubSuite) TestGetOnlineUsers() {
	a := s.connect()
	s.send(a, `{"type":"get-online-users"}`)
	s.Equal(`[]`, string(s.only(a)["users"]))

	s.register(a, "alice", `{"n":1}`)
	s.send(a, `{"type":"get-online-users"}`)
	msg := s.only(a)
	s.Equal(TypeOnlineUsers, field[string](msg, "type"))
	s.Equal([]OnlineUser{{UserID: "alice", UserInfo: json.RawMessage(`{"n":1}`)}}, field[[]OnlineUser](msg, "users"))
}

func (s *HubSuite) TestPing() {
	fixed := time.UnixMilli(1700000000123)
	s.hub.now = func() time.Time { return fixed }
	a := s.connect()

	s.send(a, `{"type":"ping"}`)
	msg := s.only(a)
	s.Equal(TypePong, field[string](msg, "type"))
	s.Equal(int64(1700000000123), field[int64](msg, "timestamp"))
}

func (s *HubSuite) TestMalformedInputKeepsConnection() {
	a := s.connect()
	b := s.connect()
	s.register(b, "bob", `{}`)

	for _, raw := range []string{`not json`, `null`, `[1,2]`, `"str"`, `{"type":"message","targetUserId":5}`} {
		s.send(a, raw)
		msg := s.only(a)
		s.Equal(TypeError, field[string](msg, "type"), raw)
		s.Equal("Invalid message format", field[string](msg, "message"), raw)
	}

	s.send(a, `{"type":"message","targetUserId":"bob","messageData":1}`)
	s.Len(b.drain(), 1)
}

func (s *HubSuite) TestUnknownTypeIsIgnored() {
	a := s.connect()
	for _, raw := range []string{`{"type":"dance"}`, `{}`, `{"type":3}`, `{"type":"unknown"}`} {
		s.send(a, raw)
	}
	s.Empty(a.drain())
}

func (s *HubSuite) TestDisconnectBroadcastsOffline() {
	a := s.connect()
	b := s.connect()
	c := s.connect()
	guest := s.connect()
	s.register(a, "alice", `{"name":"Alice"}`)
	s.register(b, "bob", `{}`)
	s.register(c, "carol", `{}`)
	a.drain()
	b.drain()

	_ = a.Close()
	s.hub.OnClosed(a, nil)

	for _, peer := range []*mockSession{b, c} {
		msg := s.only(peer)
		s.Equal(TypeUserStatus, field[string](msg, "type"))
		s.Equal("alice", field[string](msg, "userId"))
		s.False(field[bool](msg, "isOnline"))
		s.Equal("null", string(msg["userInfo"]))
	}
	s.Empty(guest.drain())
	s.Empty(a.drain())

	// 重复关闭不会再次广播。
	s.hub.OnClosed(a, nil)
	s.Empty(b.drain())
	s.Equal(Stats{Connections: 3, OnlineUsers: 2}, s.hub.Stats())
}

func (s *HubSuite) TestUnregisteredDisconnectIsSilent() {
	a := s.connect()
	guest := s.connect()
	s.register(a, "alice", `{}`)

	s.hub.OnClosed(guest, nil)
	s.Empty(a.drain())
}

func (s *HubSuite) TestSameIdentityOnNewConnection() {
	old := s.connect()
	peer := s.connect()
	s.register(peer, "bob", `{}`)
	s.register(old, "alice", `{"v":1}`)
	peer.drain()

	fresh := s.connect()
	s.register(fresh, "alice", `{"v":2}`)
	status := s.only(peer)
	s.True(field[bool](status, "isOnline"))
	s.JSONEq(`{"v":2}`, string(status["userInfo"]))
	s.Empty(old.drain())

	// 旧连接断开既不解绑新连接，也不广播下线。
	s.hub.OnClosed(old, nil)
	s.Empty(peer.drain())
	entry, ok := s.hub.Registry().Resolve("alice")
	s.True(ok)
	s.Equal(fresh.ID(), entry.ConnID)

	s.send(peer, `{"type":"message","targetUserId":"alice","messageData":"hi"}`)
	s.Len(fresh.drain(), 1)

	s.send(peer, `{"type":"get-online-users"}`)
	users := field[[]OnlineUser](s.only(peer), "users")
	s.Len(users, 2)
}

func (s *HubSuite) TestReRegisterDifferentIdentity() {
	a := s.connect()
	peer := s.connect()
	s.register(peer, "bob", `{}`)
	s.register(a, "alice", `{}`)
	peer.drain()

	s.send(a, `{"type":"register","userId":"alicia"}`)
	// 新身份已在线，本连接同样会收到旧身份的下线通知。
	own := a.drain()
	s.Require().Len(own, 2)
	s.Equal(TypeRegistered, field[string](own[0], "type"))
	s.Equal("alicia", field[string](own[0], "userId"))
	s.Equal("alice", field[string](own[1], "userId"))

	msgs := peer.drain()
	s.Require().Len(msgs, 2)
	s.Equal("alice", field[string](msgs[0], "userId"))
	s.False(field[bool](msgs[0], "isOnline"))
	s.Equal("alicia", field[string](msgs[1], "userId"))
	s.True(field[bool](msgs[1], "isOnline"))

	_, ok := s.hub.Registry().Resolve("alice")
	s.False(ok)
}

func (s *HubSuite) TestDeliveryFailureDoesNotAffectSender() {
	a := s.connect()
	b := s.connect()
	s.register(a, "alice", `{}`)
	s.register(b, "bob", `{}`)
	a.drain()
	b.setFailSend(true)

	s.send(a, `{"type":"message","targetUserId":"bob","messageData":1}`)
	s.send(a, `{"type":"ping"}`)
	s.Equal(TypePong, field[string](s.only(a), "type"))
}

func (s *HubSuite) TestDeliveryDropReason() {
	a := s.connect()
	b := s.connect()
	s.register(a, "alice", `{}`)
	s.register(b, "bob", `{}`)

	dropped := func(reason string) float64 {
		return testutil.ToFloat64(metrics.MessagesDropped.WithLabelValues(KindMessage.String(), reason))
	}
	full, failed := dropped(metrics.DropReasonQueueFull), dropped(metrics.DropReasonSendFailed)

	b.failWith(merr.WrapErrSendQueueFull(b.ID(), 1))
	s.send(a, `{"type":"message","targetUserId":"bob","messageData":1}`)
	s.Equal(full+1, dropped(metrics.DropReasonQueueFull))

	b.failWith(merr.WrapErrSessionClosed(b.ID()))
	s.send(a, `{"type":"message","targetUserId":"bob","messageData":2}`)
	s.Equal(failed+1, dropped(metrics.DropReasonSendFailed))
	s.Equal(full+1, dropped(metrics.DropReasonQueueFull))
}

func (s *HubSuite) TestOnErrorDoesNotPanic() {
	a := s.connect()
	s.NotPanics(func() {
		s.hub.OnError(a, network.StageDispatch, errMockSend)
		s.hub.OnError(nil, network.StageHandshake, errMockSend)
		s.hub.OnError(a, network.StageRead, errMockSend)
	})
}

// useClock 让 Hub 与 Registry 共用一个可拨动的时钟。
func (s *HubSuite) useClock(start time.Time) *time.Time {
	clock := start
	now := func() time.Time { return clock }
	s.hub.now = now
	s.hub.registry.now = now
	return &clock
}

func (s *HubSuite) TestSweepClosesInactiveConnections() {
	clock := s.useClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	idle := s.connect()
	active := s.connect()
	anon := s.connect()
	s.register(idle, "alice", `{}`)
	s.register(active, "bob", `{}`)
	active.drain()

	*clock = clock.Add(4 * time.Minute)
	s.send(active, `{"type":"get-online-users"}`)
	active.drain()
	s.Equal(0, s.hub.Sweep())

	*clock = clock.Add(2 * time.Minute)
	s.Equal(2, s.hub.Sweep())
	s.True(idle.isClosed())
	s.True(anon.isClosed())
	s.False(active.isClosed())

	// 会话关闭后由接入层回调 OnClosed。
	s.hub.OnClosed(idle, nil)
	s.hub.OnClosed(anon, nil)
	msg := s.only(active)
	s.Equal(TypeUserStatus, field[string](msg, "type"))
	s.Equal("alice", field[string](msg, "userId"))
	s.False(field[bool](msg, "isOnline"))
	s.Equal(Stats{Connections: 1, OnlineUsers: 1}, s.hub.Stats())
}

func (s *HubSuite) TestAnyFrameRefreshesLastSeen() {
	clock := s.useClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	a := s.connect()

	for _, raw := range []string{`not json`, `{"type":"dance"}`, `{"type":"ping"}`} {
		*clock = clock.Add(time.Minute)
		s.send(a, raw)
		a.drain()
		e, ok := s.hub.registry.Get(a.ID())
		s.Require().True(ok)
		s.Equal(*clock, e.LastSeen, raw)
	}
}

func (s *HubSuite) TestSweepDisabled() {
	h, err := New(Config{InactiveTimeout: -1})
	s.Require().NoError(err)
	sess := newMockSession("c1")
	h.OnConnected(sess)
	h.registry.now = func() time.Time { return time.Now().Add(time.Hour) }

	s.Equal(0, h.Sweep())
	s.False(sess.isClosed())

	done := make(chan struct{})
	go func() {
		h.RunSweeper(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("sweeper should return when disabled")
	}
}

func (s *HubSuite) TestRunSweeper() {
	h, err := New(Config{InactiveTimeout: time.Minute, SweepInterval: 10 * time.Millisecond})
	s.Require().NoError(err)
	sess := newMockSession("c1")
	h.OnConnected(sess)
	h.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.RunSweeper(ctx)
		close(done)
	}()
	s.Eventually(sess.isClosed, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func (s *HubSuite) TestRegisteredPrecedesPeerBroadcasts() {
	const n = 40
	sessions := make([]*mockSession, n)
	for i := range sessions {
		sessions[i] = s.connect()
	}

	var wg sync.WaitGroup
	for i, sess := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.hub.OnMessage(sess, []byte(fmt.Sprintf(`{"type":"register","userId":"user-%02d"}`, i)))
		}()
	}
	wg.Wait()

	// 按客户端的处理方式回放：registered 整体替换列表，user-status 增量更新。
	for i, sess := range sessions {
		msgs := sess.drain()
		s.Require().NotEmpty(msgs)
		s.Require().Equal(TypeRegistered, field[string](msgs[0], "type"), "session %d", i)

		view := map[string]bool{}
		for _, u := range field[[]OnlineUser](msgs[0], "onlineUsers") {
			view[u.UserID] = true
		}
		for _, msg := range msgs[1:] {
			s.Require().Equal(TypeUserStatus, field[string](msg, "type"))
			view[field[string](msg, "userId")] = field[bool](msg, "isOnline")
		}
		s.Len(lo.PickByValues(view, []bool{true}), n, "session %d", i)
	}
}

func TestHubSuite(t *testing.T) {
	suite.Run(t, new(HubSuite))
}

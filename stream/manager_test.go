package stream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/onairchat/onair/distributor"
	"github.com/onairchat/onair/model"
	"github.com/onairchat/onair/pkg/keyspace"
	"github.com/onairchat/onair/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 测试替身
// ============================================================================

type fakeSub struct {
	events chan distributor.Event
	closed bool
	mu     sync.Mutex
}

func (s *fakeSub) Events() <-chan distributor.Event { return s.events }

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type published struct {
	tenantID string
	kind     keyspace.ChannelKind
	payload  []byte
}

type fakeDist struct {
	mu        sync.Mutex
	sub       *fakeSub
	subKinds  []keyspace.ChannelKind
	published []published
}

func newFakeDist() *fakeDist {
	return &fakeDist{
		sub: &fakeSub{events: make(chan distributor.Event, 16)},
	}
}

func (d *fakeDist) Publish(ctx context.Context, tenantID string, kind keyspace.ChannelKind, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.published = append(d.published, published{tenantID, kind, payload})
	return nil
}

func (d *fakeDist) PublishJSON(ctx context.Context, tenantID string, kind keyspace.ChannelKind, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return d.Publish(ctx, tenantID, kind, data)
}

func (d *fakeDist) Subscribe(ctx context.Context, tenantID string, kinds ...keyspace.ChannelKind) (distributor.Subscription, error) {
	d.mu.Lock()
	d.subKinds = kinds
	d.mu.Unlock()
	return d.sub, nil
}

func (d *fakeDist) Close() error { return nil }

func (d *fakeDist) emit(tenantID string, kind keyspace.ChannelKind, payload []byte) {
	d.sub.events <- distributor.Event{TenantID: tenantID, Kind: kind, Payload: payload}
}

type fakeSink struct {
	nick   string
	mu     sync.Mutex
	frames []*Frame
	done   chan struct{}
	once   sync.Once
}

func newFakeSink(nick string) *fakeSink {
	return &fakeSink{nick: nick, done: make(chan struct{})}
}

func (s *fakeSink) Send(frame *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSink) Nick() string          { return s.nick }
func (s *fakeSink) Done() <-chan struct{} { return s.done }

func (s *fakeSink) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSink) sent() []*Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *fakeSink) waitFrames(t *testing.T, n int) []*Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if frames := s.sent(); len(frames) >= n {
			return frames
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("等待 %d 帧超时，只收到 %d", n, len(s.sent()))
	return nil
}

type fakeMessages struct {
	history []*model.Message
}

func (f *fakeMessages) Append(ctx context.Context, msg *model.Message) error { return nil }
func (f *fakeMessages) SoftDelete(ctx context.Context, tenantID string, msgID int64) error {
	return nil
}
func (f *fakeMessages) ClearAll(ctx context.Context, tenantID string) error { return nil }
func (f *fakeMessages) RecentHistory(ctx context.Context, tenantID string, limit int, beforeID int64) ([]*model.Message, error) {
	return f.history, nil
}
func (f *fakeMessages) Get(ctx context.Context, tenantID string, msgID int64) (*model.Message, error) {
	return nil, nil
}
func (f *fakeMessages) Close() error { return nil }

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]*model.Session)}
}

func (f *fakeSessions) Register(ctx context.Context, sess *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sess.Nick+"/"+sess.Token] = sess
	return nil
}

func (f *fakeSessions) Heartbeat(ctx context.Context, tenantID, nick, token string) error {
	return nil
}

func (f *fakeSessions) Unregister(ctx context.Context, tenantID, nick, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, nick+"/"+token)
	return nil
}

func (f *fakeSessions) IsOnline(ctx context.Context, tenantID, nick string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sess := range f.sessions {
		if sess.Nick == nick {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSessions) List(ctx context.Context, tenantID string) ([]*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Session, 0, len(f.sessions))
	for _, sess := range f.sessions {
		out = append(out, sess)
	}
	return out, nil
}

func (f *fakeSessions) TTL() time.Duration { return 90 * time.Second }
func (f *fakeSessions) Close() error       { return nil }

type fakeSettings struct {
	settings *model.TenantSettings
}

func (f *fakeSettings) Get(ctx context.Context, tenantID string) (*model.TenantSettings, error) {
	if f.settings != nil {
		return f.settings, nil
	}
	return model.DefaultTenantSettings(tenantID), nil
}

func (f *fakeSettings) Update(ctx context.Context, settings *model.TenantSettings) error {
	return nil
}

func (f *fakeSettings) Close() error { return nil }

var _ repo.MessageRepo = (*fakeMessages)(nil)
var _ repo.SessionRepo = (*fakeSessions)(nil)
var _ repo.SettingsRepo = (*fakeSettings)(nil)

func newTestManager(t *testing.T, dist *fakeDist, cfg *Config, settings *model.TenantSettings) *Manager {
	t.Helper()
	m, err := NewManager(dist, &fakeMessages{
		history: []*model.Message{
			{MsgID: 1, TenantID: "radio1", SenderNick: "alice", Body: "hello"},
			{MsgID: 2, TenantID: "radio1", SenderNick: "bob", Body: "hi"},
		},
	}, newFakeSessions(), &fakeSettings{settings: settings}, cfg)
	require.NoError(t, err)
	return m
}

func runAttach(m *Manager, conn sink) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.attach(context.Background(), conn, "radio1", "tok-1", "1.2.3.4")
	}()
	return errCh
}

func frameTypes(frames []*Frame) []FrameType {
	out := make([]FrameType, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

// ============================================================================
// 用例
// ============================================================================

func TestManager_Snapshot(t *testing.T) {
	t.Run("接入后按序回填config_users_history", func(t *testing.T) {
		dist := newFakeDist()
		m := newTestManager(t, dist, nil, nil)
		conn := newFakeSink("alice")

		errCh := runAttach(m, conn)
		frames := conn.waitFrames(t, 3)

		assert.Equal(t, []FrameType{FrameConfig, FrameUsers, FrameHistory}, frameTypes(frames[:3]))

		var history HistoryPayload
		require.NoError(t, json.Unmarshal(frames[2].Data, &history))
		assert.Len(t, history.Messages, 2)

		conn.Close()
		require.NoError(t, <-errCh)
	})

	t.Run("纯私聊模式不回填历史", func(t *testing.T) {
		settings := model.DefaultTenantSettings("radio1")
		settings.Mode = model.ChatModePrivate

		dist := newFakeDist()
		m := newTestManager(t, dist, nil, settings)
		conn := newFakeSink("alice")

		errCh := runAttach(m, conn)
		frames := conn.waitFrames(t, 2)
		assert.Equal(t, []FrameType{FrameConfig, FrameUsers}, frameTypes(frames[:2]))

		conn.Close()
		require.NoError(t, <-errCh)

		for _, f := range conn.sent() {
			assert.NotEqual(t, FrameHistory, f.Type)
		}
	})

	t.Run("订阅频道由模式决定", func(t *testing.T) {
		settings := model.DefaultTenantSettings("radio1")
		settings.Mode = model.ChatModePublic

		dist := newFakeDist()
		m := newTestManager(t, dist, nil, settings)
		conn := newFakeSink("alice")

		errCh := runAttach(m, conn)
		conn.waitFrames(t, 3)
		conn.Close()
		<-errCh

		assert.ElementsMatch(t,
			[]keyspace.ChannelKind{keyspace.ChannelPresence, keyspace.ChannelPublic},
			dist.subKinds)
	})
}

func TestManager_Relay(t *testing.T) {
	t.Run("公开频道事件原样转发", func(t *testing.T) {
		dist := newFakeDist()
		m := newTestManager(t, dist, nil, nil)
		conn := newFakeSink("alice")

		errCh := runAttach(m, conn)
		conn.waitFrames(t, 3)

		frame := MustFrame(FrameMessage, &MessagePayload{
			Message: &model.Message{MsgID: 3, SenderNick: "carol", Body: "new"},
		})
		payload, _ := json.Marshal(frame)
		dist.emit("radio1", keyspace.ChannelPublic, payload)

		frames := conn.waitFrames(t, 4)
		assert.Equal(t, FrameMessage, frames[3].Type)

		conn.Close()
		require.NoError(t, <-errCh)
	})

	t.Run("私信只投给收发双方", func(t *testing.T) {
		inner, _ := json.Marshal(MustFrame(FramePrivate, &MessagePayload{
			Message: &model.Message{MsgID: 9, SenderNick: "alice", Recipient: "bob", Private: true},
		}))
		envelope, _ := json.Marshal(&PrivateEnvelope{
			Sender:    "alice",
			Recipient: "bob",
			Frame:     inner,
		})

		for _, tc := range []struct {
			nick     string
			expected bool
		}{
			{"bob", true},
			{"alice", true},
			{"carol", false},
		} {
			dist := newFakeDist()
			m := newTestManager(t, dist, nil, nil)
			conn := newFakeSink(tc.nick)

			errCh := runAttach(m, conn)
			conn.waitFrames(t, 3)

			dist.emit("radio1", keyspace.ChannelPrivate, envelope)

			if tc.expected {
				frames := conn.waitFrames(t, 4)
				assert.Equal(t, FramePrivate, frames[3].Type, "nick=%s", tc.nick)
			} else {
				time.Sleep(100 * time.Millisecond)
				assert.Len(t, conn.sent(), 3, "nick=%s 不应收到私信", tc.nick)
			}

			conn.Close()
			<-errCh
		}
	})

	t.Run("非法事件丢弃不断连", func(t *testing.T) {
		dist := newFakeDist()
		m := newTestManager(t, dist, nil, nil)
		conn := newFakeSink("alice")

		errCh := runAttach(m, conn)
		conn.waitFrames(t, 3)

		dist.emit("radio1", keyspace.ChannelPublic, []byte("not json"))

		frame, _ := json.Marshal(MustFrame(FrameClear, nil))
		dist.emit("radio1", keyspace.ChannelPublic, frame)

		frames := conn.waitFrames(t, 4)
		assert.Equal(t, FrameClear, frames[3].Type)

		conn.Close()
		require.NoError(t, <-errCh)
	})
}

func TestManager_Lifecycle(t *testing.T) {
	t.Run("到龄后发reconnect并收尾", func(t *testing.T) {
		dist := newFakeDist()
		m := newTestManager(t, dist, &Config{MaxConnectionAge: 100 * time.Millisecond}, nil)
		conn := newFakeSink("alice")

		errCh := runAttach(m, conn)

		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("连接未按时轮转")
		}

		frames := conn.sent()
		require.NotEmpty(t, frames)
		assert.Equal(t, FrameReconnect, frames[len(frames)-1].Type)
		assert.True(t, dist.sub.isClosed(), "轮转后订阅必须立即关闭")
	})

	t.Run("断开后立即退订并注销会话", func(t *testing.T) {
		dist := newFakeDist()
		m := newTestManager(t, dist, nil, nil)
		conn := newFakeSink("alice")

		errCh := runAttach(m, conn)
		conn.waitFrames(t, 3)
		require.Equal(t, 1, m.ConnCount())

		conn.Close()
		require.NoError(t, <-errCh)

		assert.Equal(t, 0, m.ConnCount())
		assert.True(t, dist.sub.isClosed())
	})

	t.Run("接入与离开各广播一次在线列表", func(t *testing.T) {
		dist := newFakeDist()
		m := newTestManager(t, dist, nil, nil)
		conn := newFakeSink("alice")

		errCh := runAttach(m, conn)
		conn.waitFrames(t, 3)
		conn.Close()
		require.NoError(t, <-errCh)

		dist.mu.Lock()
		defer dist.mu.Unlock()
		var presence int
		for _, p := range dist.published {
			if p.kind == keyspace.ChannelPresence {
				presence++
			}
		}
		assert.Equal(t, 2, presence)
	})

	t.Run("Drain驱逐全部连接", func(t *testing.T) {
		dist := newFakeDist()
		m := newTestManager(t, dist, nil, nil)
		conn := newFakeSink("alice")

		errCh := runAttach(m, conn)
		conn.waitFrames(t, 3)

		m.Drain()
		require.NoError(t, <-errCh)

		frames := conn.sent()
		assert.Equal(t, FrameReconnect, frames[len(frames)-1].Type)
	})
}

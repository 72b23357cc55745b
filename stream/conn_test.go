package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialTestConn 起一个只会读的回声端，返回接到它上面的 Conn
func dialTestConn(t *testing.T) (*Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	wsConn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}

	conn := NewConn("alice", wsConn, clog.Discard(), 4096, time.Second, 5*time.Second)
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestConn_SendAfterClose(t *testing.T) {
	conn, cleanup := dialTestConn(t)
	defer cleanup()

	conn.Run()
	require.NoError(t, conn.Close())

	t.Run("关闭后投递只报错不崩溃", func(t *testing.T) {
		// 超出 send 缓冲容量，确保不会落到向已关闭通道写入的路径
		for i := 0; i < 200; i++ {
			err := conn.Send(&Frame{Type: FramePing})
			assert.Error(t, err)
		}
	})

	t.Run("Done信号已触发", func(t *testing.T) {
		select {
		case <-conn.Done():
		case <-time.After(time.Second):
			t.Fatal("Done 应在 Close 后立即就绪")
		}
	})

	t.Run("重复关闭幂等", func(t *testing.T) {
		require.NoError(t, conn.Close())
	})
}

func TestConn_ConcurrentSendAndClose(t *testing.T) {
	conn, cleanup := dialTestConn(t)
	defer cleanup()
	conn.Run()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				_ = conn.Send(&Frame{Type: FramePing})
			}
		}()
	}

	// 与投递并发关闭，任何一次 Send 都不允许 panic
	time.Sleep(time.Millisecond)
	require.NoError(t, conn.Close())
	wg.Wait()
}

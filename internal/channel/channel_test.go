package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe_SendReceive(t *testing.T) {
	a, b := NewPipe()
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, []byte("hello")))
	require.NoError(t, b.Send(ctx, []byte("world")))

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	got, err = a.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))
}

func TestPipe_Close(t *testing.T) {
	a, b := NewPipe()
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, []byte("last")))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	// 閉じる前に送られたものは受け取れる
	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "last", string(got))

	_, err = b.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Send(ctx, []byte("x")), ErrClosed)
	assert.ErrorIs(t, a.Send(ctx, []byte("x")), ErrClosed)
}

func TestPipe_CloseUnblocksReceive(t *testing.T) {
	a, _ := NewPipe()

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Receive(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Receive が解除されませんでした")
	}
}

func TestPipe_ReceiveContext(t *testing.T) {
	a, _ := NewPipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := a.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// newWebSocketPair はサーバー側の WebSocket チャンネルとクライアント接続を返す
func newWebSocketPair(t *testing.T, cfg WebSocketConfig) (*WebSocket, *websocket.Conn) {
	t.Helper()

	serverCh := make(chan *WebSocket, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverCh <- NewWebSocket(conn, cfg)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case ws := <-serverCh:
		t.Cleanup(func() { _ = ws.Close() })
		return ws, client
	case <-time.After(time.Second):
		t.Fatal("WebSocket 接続が確立しませんでした")
		return nil, nil
	}
}

func TestWebSocket_SendReceive(t *testing.T) {
	ws, client := newWebSocketPair(t, WebSocketConfig{})
	ctx := context.Background()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"zoom_fit"}`)))
	got, err := ws.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"zoom_fit"}`, string(got))

	require.NoError(t, ws.Send(ctx, []byte(`{"type":"tile"}`)))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"tile"}`, string(data))

	assert.NotEmpty(t, ws.RemoteAddr())
}

func TestWebSocket_ClientClose(t *testing.T) {
	ws, client := newWebSocketPair(t, WebSocketConfig{})

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	_, err := ws.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWebSocket_AbruptDisconnect(t *testing.T) {
	ws, client := newWebSocketPair(t, WebSocketConfig{})

	require.NoError(t, client.UnderlyingConn().Close())

	_, err := ws.Receive(context.Background())
	require.Error(t, err)

	var terr *TransportError
	if !errors.Is(err, ErrClosed) {
		assert.ErrorAs(t, err, &terr)
	}
}

func TestWebSocket_CloseUnblocksReceive(t *testing.T) {
	ws, _ := newWebSocketPair(t, WebSocketConfig{})

	errCh := make(chan error, 1)
	go func() {
		_, err := ws.Receive(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ws.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Receive が解除されませんでした")
	}

	assert.ErrorIs(t, ws.Send(context.Background(), []byte("x")), ErrClosed)
}

func TestWebSocket_Keepalive(t *testing.T) {
	ws, client := newWebSocketPair(t, WebSocketConfig{PingInterval: 10 * time.Millisecond})

	pinged := make(chan struct{}, 1)
	client.SetPingHandler(func(appData string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return client.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	// ReadMessage の中でコントロールフレームが処理される
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(time.Second):
		t.Fatal("ping が届きませんでした")
	}

	require.NoError(t, ws.Close())
}

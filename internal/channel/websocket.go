package channel

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig は WebSocket チャンネルの設定
type WebSocketConfig struct {
	PingInterval    time.Duration // 0 で ping を送らない
	WriteTimeout    time.Duration // 1メッセージの書き込みタイムアウト
	MaxMessageBytes int64         // 受信メッセージの最大サイズ
}

// WebSocket は gorilla/websocket の接続を Channel として扱う
type WebSocket struct {
	conn   *websocket.Conn
	cfg    WebSocketConfig
	writeM sync.Mutex // gorilla は同時書き込みを許さない
	once   sync.Once
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewWebSocket はアップグレード済みの接続からチャンネルを作成する
func NewWebSocket(conn *websocket.Conn, cfg WebSocketConfig) *WebSocket {
	ws := &WebSocket{
		conn: conn,
		cfg:  cfg,
		done: make(chan struct{}),
	}

	if cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(cfg.MaxMessageBytes)
	}

	if cfg.PingInterval > 0 {
		// pong が届く限り読み込み期限を延長する
		deadline := 2 * cfg.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(deadline))
		})

		ws.wg.Add(1)
		go ws.keepalive()
	}

	return ws
}

// Receive は次のテキスト/バイナリメッセージを返す
func (w *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	// ReadMessage はコンテキストを見ないので、キャンセル時は接続を閉じて解除する
	stop := context.AfterFunc(ctx, func() { _ = w.Close() })
	defer stop()

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return nil, ErrClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil, ErrClosed
			}
			return nil, &TransportError{Op: "receive", Err: err}
		}

		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Send はテキストメッセージを書き込む
func (w *WebSocket) Send(ctx context.Context, data []byte) error {
	select {
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	w.writeM.Lock()
	defer w.writeM.Unlock()

	if err := w.conn.SetWriteDeadline(w.writeDeadline(ctx)); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// Close はクローズフレームを送ってから接続を閉じる
func (w *WebSocket) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)

		w.writeM.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = w.conn.Close()
		w.writeM.Unlock()

		w.wg.Wait()
	})
	return err
}

// RemoteAddr は接続元アドレスを返す
func (w *WebSocket) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

// keepalive は定期的に ping を送る
func (w *WebSocket) keepalive() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.writeM.Lock()
			err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.timeout()))
			w.writeM.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (w *WebSocket) writeDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(w.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

func (w *WebSocket) timeout() time.Duration {
	if w.cfg.WriteTimeout > 0 {
		return w.cfg.WriteTimeout
	}
	return 10 * time.Second
}

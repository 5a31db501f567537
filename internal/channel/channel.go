// Package channel はクライアントとの全二重メッセージチャンネルを抽象化する
//
// 本番では WebSocket、テストではメモリ上の Pipe を使う。
package channel

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed はチャンネルが正常に閉じられたことを表す
var ErrClosed = errors.New("チャンネルは閉じられています")

// TransportError は通信路の異常でチャンネルが使えなくなったことを表す
type TransportError struct {
	Op  string // "receive" または "send"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("チャンネルの %s に失敗: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Channel は1接続分のメッセージチャンネル
type Channel interface {
	// Receive は次のメッセージを待って返す
	// 閉じられた場合は ErrClosed、通信異常は *TransportError を返す
	Receive(ctx context.Context) ([]byte, error)

	// Send はメッセージを送る。複数ゴルーチンから呼んでよい
	Send(ctx context.Context, data []byte) error

	// Close はチャンネルを閉じ、待機中の Receive を解除する
	// 複数回呼んでもよい
	Close() error

	// RemoteAddr はログ用の接続元を返す
	RemoteAddr() string
}

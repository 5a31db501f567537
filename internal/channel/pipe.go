package channel

import (
	"context"
	"sync"
)

// Pipe はメモリ上でつながったチャンネルの片側
type Pipe struct {
	in     chan []byte
	out    chan []byte
	done   chan struct{} // 自分が閉じた
	peer   *Pipe
	once   sync.Once
	remote string
}

// NewPipe は互いにつながった2つのチャンネルを返す
//
// a.Send したメッセージは b.Receive で受け取れる。逆も同様。
// どちらかを Close すると両側が閉じたものとして扱われる。
func NewPipe() (*Pipe, *Pipe) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)

	a := &Pipe{in: ba, out: ab, done: make(chan struct{}), remote: "pipe-b"}
	b := &Pipe{in: ab, out: ba, done: make(chan struct{}), remote: "pipe-a"}
	a.peer = b
	b.peer = a
	return a, b
}

// Receive は相手が送ったメッセージを返す
func (p *Pipe) Receive(ctx context.Context) ([]byte, error) {
	// 閉じた後に残ったメッセージは捨てる
	select {
	case <-p.done:
		return nil, ErrClosed
	default:
	}

	select {
	case data := <-p.in:
		return data, nil
	case <-p.done:
		return nil, ErrClosed
	case <-p.peer.done:
		// 相手が閉じる前に送ったものは受け取れる
		select {
		case data := <-p.in:
			return data, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send は相手にメッセージを送る
func (p *Pipe) Send(ctx context.Context, data []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrClosed
	default:
	}

	buf := append([]byte(nil), data...)
	select {
	case p.out <- buf:
		return nil
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close はこちら側を閉じる
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// Closed はこちら側が閉じられたら閉じるチャンネルを返す
func (p *Pipe) Closed() <-chan struct{} {
	return p.done
}

// RemoteAddr は相手側の名前を返す
func (p *Pipe) RemoteAddr() string {
	return p.remote
}

// Package viewsync はクライアントの表示状態と描画結果を同期させるプロトコルを実装する
//
// セッションごとに IDLE -> RENDERING -> IDLE の状態機械を持ち、描画中に届いた
// 更新は保留フラグにまとめる。描画完了時に保留があれば最新の状態で
// もう一度だけ描画する。チャンネルが閉じたら TERMINATED に遷移し、以後は
// 何も送らない。
package viewsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"kweb/internal/layout"
	"kweb/internal/logger"
	"kweb/internal/viewer"
)

// State は同期エンジンの状態
type State int

const (
	StateIdle State = iota
	StateRendering
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRendering:
		return "RENDERING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrTerminated は終了済みのエンジンに操作したことを表す
var ErrTerminated = errors.New("同期エンジンは終了しています")

// Renderer は描画ジョブを実行する
type Renderer interface {
	Render(ctx context.Context, job viewer.RenderJob) (layout.Tile, error)
}

// Sender は送信メッセージをチャンネルに書き込む
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// Engine は1セッション分の同期プロトコルを実行する
type Engine struct {
	session  *viewer.Session
	renderer Renderer
	sender   Sender
	log      logger.Logger

	ctx    context.Context // 描画と送信に使う。Close でキャンセルされる
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu は状態・保留フラグ・セッション・送信を直列化する
	mu      sync.Mutex
	state   State
	pending bool
}

// NewEngine は IDLE 状態のエンジンを作成する
func NewEngine(session *viewer.Session, renderer Renderer, sender Sender, log logger.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		session:  session,
		renderer: renderer,
		sender:   sender,
		log:      log.With(logger.F("session_id", session.ID())),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateIdle,
	}
}

// State は現在の状態を返す
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Pending は保留中の更新があるか返す
func (e *Engine) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// Snapshot はセッションの現在の表示状態を返す
func (e *Engine) Snapshot() viewer.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.State()
}

// SendMetadata はレイアウト情報を送る。接続直後に一度だけ呼ぶ
func (e *Engine) SendMetadata(style string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateTerminated {
		return ErrTerminated
	}
	return e.sendLocked(NewMetadataMessage(e.session, style))
}

// HandleMessage は受信メッセージを1つ処理する
//
// 不正なメッセージにはエラーメッセージを返信して nil を返す。
// 返り値のエラーは送信失敗か終了済みで、受信ループを終えるべきことを表す。
func (e *Engine) HandleMessage(data []byte) error {
	msg, decodeErr := DecodeInbound(data)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateTerminated {
		return ErrTerminated
	}

	if decodeErr != nil {
		e.log.Warn("不正なメッセージを受信しました", logger.Err(decodeErr))
		return e.sendLocked(NewErrorMessage(CodeMalformedMessage, decodeErr.Error()))
	}

	switch msg.Type {
	case TypeZoomFit:
		e.session.Reset()
	default:
		e.session.ApplyUpdate(msg.Update)
	}

	if e.state == StateRendering {
		e.pending = true
		return nil
	}

	e.state = StateRendering
	job := e.session.RequestRender()
	e.wg.Add(1)
	go e.run(job)
	return nil
}

// run は描画を実行し、保留があれば最新の状態で続けて描画する
func (e *Engine) run(job viewer.RenderJob) {
	defer e.wg.Done()

	for {
		tile, err := e.renderer.Render(e.ctx, job)

		e.mu.Lock()
		if e.state == StateTerminated {
			e.mu.Unlock()
			e.log.Debug("終了後の描画結果を破棄しました", logger.F("seq", job.Seq))
			return
		}

		var sendErr error
		if err != nil {
			e.log.Error("描画に失敗しました", logger.F("seq", job.Seq), logger.Err(err))
			msg := NewErrorMessage(CodeRenderFailed, err.Error())
			msg.Seq = job.Seq
			sendErr = e.sendLocked(msg)
		} else {
			sendErr = e.sendLocked(NewTileMessage(job.Seq, job.Viewport, tile))
		}
		if sendErr != nil {
			// 受信ループ側がチャンネルの異常を検知して終了させる
			e.log.Debug("描画結果を送信できませんでした", logger.F("seq", job.Seq), logger.Err(sendErr))
		}

		if !e.pending {
			e.state = StateIdle
			e.mu.Unlock()
			return
		}

		e.pending = false
		job = e.session.RequestRender()
		e.mu.Unlock()
	}
}

// Close は TERMINATED に遷移し、実行中の描画の終了を待つ
//
// 複数回呼んでもよい。
func (e *Engine) Close() {
	e.cancel()

	e.mu.Lock()
	e.state = StateTerminated
	e.pending = false
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *Engine) sendLocked(msg any) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return e.sender.Send(e.ctx, data)
}

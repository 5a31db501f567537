// Package connection はチャンネル1本分のライフサイクルを管理する
//
// 識別子の解決、ハンドルの取得、セッションと同期エンジンの構築、受信ループ、
// 後片付けまでを1接続につき1ゴルーチンで実行する。後片付けはどの経路で
// ループを抜けても一度だけ実行される。
package connection

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"kweb/internal/channel"
	"kweb/internal/layout"
	"kweb/internal/logger"
	"kweb/internal/viewer"
	"kweb/internal/viewsync"
)

// ErrShuttingDown はシャットダウン中に新しい接続が来たことを表す
var ErrShuttingDown = errors.New("サーバーはシャットダウン中です")

// CodeShuttingDown はシャットダウン中のエラーコード
const CodeShuttingDown = "shutting_down"

// Options は接続ごとのオプション
type Options struct {
	Style string // レイヤースタイルの参照（metadata でそのまま返す）
}

// SessionInfo はアクティブなセッションの情報
type SessionInfo struct {
	ID         string    `json:"id"`
	Identifier string    `json:"identifier"`
	Path       string    `json:"path"`
	RemoteAddr string    `json:"remote_addr"`
	StartedAt  time.Time `json:"started_at"`
	State      string    `json:"state"`
}

type activeSession struct {
	info   SessionInfo
	ch     channel.Channel
	engine *viewsync.Engine
}

// Manager は接続を受け付けてセッションを実行する
type Manager struct {
	resolver *layout.Resolver
	cache    *layout.Cache
	renderer viewsync.Renderer
	limits   viewer.Limits
	log      logger.Logger

	sessions map[string]*activeSession
	mu       sync.RWMutex
	closing  bool
	wg       sync.WaitGroup
}

// NewManager は新しい Manager を作成する
func NewManager(resolver *layout.Resolver, cache *layout.Cache, renderer viewsync.Renderer, limits viewer.Limits, log logger.Logger) *Manager {
	return &Manager{
		resolver: resolver,
		cache:    cache,
		renderer: renderer,
		limits:   limits,
		log:      log.With(logger.F("component", "connection_manager")),
		sessions: make(map[string]*activeSession),
	}
}

// Handle はチャンネルを識別子のレイアウトに結びつけ、切断まで処理する
//
// 正常な切断では nil を返す。識別子の解決やハンドルの取得に失敗した場合は
// エラーメッセージを送ってチャンネルを閉じ、その原因を返す。
// 通信異常で終わった場合は *channel.TransportError を返す。
func (m *Manager) Handle(ctx context.Context, ch channel.Channel, identifier string, opts Options) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		m.reject(ch, ErrShuttingDown)
		return ErrShuttingDown
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	log := m.log.With(logger.F("identifier", identifier), logger.F("remote_addr", ch.RemoteAddr()))

	// 1. 識別子の解決（ファイルシステムには触れない）
	path, err := m.resolver.Resolve(identifier)
	if err != nil {
		log.Warn("識別子を解決できません", logger.Err(err))
		m.reject(ch, err)
		return err
	}

	// 2. ハンドルの取得
	handle, err := m.cache.Acquire(ctx, path)
	if err != nil {
		log.Warn("レイアウトを開けません", logger.F("path", path), logger.Err(err))
		m.reject(ch, err)
		return err
	}

	// 3. セッションと同期エンジンの構築
	session := viewer.NewSession(handle, m.limits)
	engine := viewsync.NewEngine(session, m.renderer, ch, log)
	log = log.With(logger.F("session_id", session.ID()))

	active := &activeSession{
		info: SessionInfo{
			ID:         session.ID(),
			Identifier: identifier,
			Path:       path,
			RemoteAddr: ch.RemoteAddr(),
			StartedAt:  time.Now(),
		},
		ch:     ch,
		engine: engine,
	}
	m.register(active)

	// 5. 後片付けはどの経路でも一度だけ
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			_ = ch.Close()
			engine.Close()
			if err := m.cache.Release(handle); err != nil {
				log.Error("ハンドルの解放に失敗しました", logger.Err(err))
			}
			m.unregister(session.ID())
			log.Info("セッションを終了しました", logger.F("last_seq", session.LastSeq()))
		})
	}
	defer cleanup()

	// シャットダウン時は受信待ちをチャンネルごと解除する
	stop := context.AfterFunc(ctx, func() { _ = ch.Close() })
	defer stop()

	log.Info("セッションを開始しました", logger.F("path", path))

	if err := engine.SendMetadata(opts.Style); err != nil {
		return m.exitError(log, err)
	}

	// 4. 受信ループ
	for {
		data, err := ch.Receive(ctx)
		if err != nil {
			return m.exitError(log, err)
		}
		if err := engine.HandleMessage(data); err != nil {
			return m.exitError(log, err)
		}
	}
}

// exitError は受信ループの終了理由を呼び出し元向けに整理する
func (m *Manager) exitError(log logger.Logger, err error) error {
	var terr *channel.TransportError
	switch {
	case errors.Is(err, channel.ErrClosed),
		errors.Is(err, viewsync.ErrTerminated),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		log.Debug("チャンネルが閉じられました", logger.Err(err))
		return nil
	case errors.As(err, &terr):
		log.Warn("通信異常でセッションを終了します", logger.Err(err))
		return err
	default:
		log.Error("セッションを異常終了します", logger.Err(err))
		return err
	}
}

// reject はエラーメッセージを送ってチャンネルを閉じる
func (m *Manager) reject(ch channel.Channel, cause error) {
	code := "internal_error"
	var coded interface{ Code() string }
	switch {
	case errors.As(cause, &coded):
		code = coded.Code()
	case errors.Is(cause, ErrShuttingDown):
		code = CodeShuttingDown
	}

	data, err := viewsync.Encode(viewsync.NewErrorMessage(code, cause.Error()))
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := ch.Send(ctx, data); err != nil {
			m.log.Debug("エラーメッセージを送信できませんでした", logger.Err(err))
		}
		cancel()
	}
	_ = ch.Close()
}

func (m *Manager) register(s *activeSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.info.ID] = s
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Active はアクティブなセッションの一覧を開始順に返す
func (m *Manager) Active() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		info := s.info
		info.State = s.engine.State().String()
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Count はアクティブなセッション数を返す
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll は新規接続を拒否し、全セッションのチャンネルを閉じる
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closing = true
	channels := make([]channel.Channel, 0, len(m.sessions))
	for _, s := range m.sessions {
		channels = append(channels, s.ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	m.log.Info("全セッションを閉じました", logger.F("count", len(channels)))
}

// Wait は実行中の Handle がすべて戻るまで待つ
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

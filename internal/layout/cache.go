package layout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"kweb/internal/logger"
)

// Handle は開かれたレイアウトへの共有参照
//
// Handle は Cache が所有し、同じパスを見ている全セッションで共有される。
type Handle struct {
	path     string
	openedAt time.Time
	doc      Document
}

// Path は解決済みのファイルパスを返す
func (h *Handle) Path() string { return h.path }

// OpenedAt はエンジンで開いた時刻を返す
func (h *Handle) OpenedAt() time.Time { return h.openedAt }

// Document はエンジンのドキュメントを返す
func (h *Handle) Document() Document { return h.doc }

// HandleInfo はキャッシュ中のハンドルの状態
type HandleInfo struct {
	Path     string    `json:"path"`
	Refs     int       `json:"refs"`
	OpenedAt time.Time `json:"opened_at"`
}

// entry はパスごとのキャッシュエントリ
type entry struct {
	handle *Handle
	err    error
	refs   int
	ready  chan struct{} // Open 完了で close される
}

// Cache はレイアウトハンドルを参照カウント付きで管理する
type Cache struct {
	engine  Engine
	log     logger.Logger
	entries map[string]*entry
	mu      sync.Mutex
	closed  bool
}

// NewCache は新しい Cache を作成する
func NewCache(engine Engine, log logger.Logger) *Cache {
	return &Cache{
		engine:  engine,
		log:     log.With(logger.F("component", "layout_cache")),
		entries: make(map[string]*entry),
	}
}

var (
	// ErrCacheClosed は Close 後の Acquire で返される
	ErrCacheClosed = errors.New("レイアウトキャッシュは閉じられています")
	// ErrHandlesInUse は参照中のハンドルが残ったまま Close されたことを表す
	ErrHandlesInUse = errors.New("参照中のレイアウトがあります")
)

// Acquire はパスのハンドルを取得し、参照カウントを1増やす
//
// 初回はエンジンでファイルを開く。同じパスを同時に要求した呼び出しは
// 進行中の Open を待ち、二重に解析することはない。
func (c *Cache) Acquire(ctx context.Context, path string) (*Handle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCacheClosed
	}

	if e, ok := c.entries[path]; ok {
		e.refs++
		c.mu.Unlock()
		return c.wait(ctx, path, e)
	}

	e := &entry{refs: 1, ready: make(chan struct{})}
	c.entries[path] = e
	c.mu.Unlock()

	// 共有する Open は呼び出し側のキャンセルを引き継がない
	go c.open(context.WithoutCancel(ctx), path, e)

	return c.wait(ctx, path, e)
}

// open はエンジンでファイルを開き、待機中の呼び出しに結果を知らせる
func (c *Cache) open(ctx context.Context, path string, e *entry) {
	c.log.Debug("レイアウトを開いています", logger.F("path", path))
	doc, err := c.engine.Open(ctx, path)

	c.mu.Lock()
	if err != nil {
		// 失敗したエントリはキャッシュに残さない
		if c.entries[path] == e {
			delete(c.entries, path)
		}
		e.err = err
		close(e.ready)
		c.mu.Unlock()
		c.log.Warn("レイアウトを開けませんでした", logger.F("path", path), logger.Err(err))
		return
	}

	handle := &Handle{path: path, openedAt: time.Now(), doc: doc}

	// Open 中に Close されたキャッシュには登録しない
	if c.closed || c.entries[path] != e {
		if c.entries[path] == e {
			delete(c.entries, path)
		}
		e.err = ErrCacheClosed
		close(e.ready)
		c.mu.Unlock()
		_ = c.closeDocument(handle)
		return
	}

	// 待っていた全員がキャンセルした
	if e.refs == 0 {
		delete(c.entries, path)
		e.err = context.Canceled
		close(e.ready)
		c.mu.Unlock()
		_ = c.closeDocument(handle)
		return
	}

	e.handle = handle
	close(e.ready)
	c.mu.Unlock()

	c.log.Info("レイアウトを開きました", logger.F("path", path))
}

// wait は進行中の Open の完了を待つ
func (c *Cache) wait(ctx context.Context, path string, e *entry) (*Handle, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		c.mu.Lock()
		e.refs--
		// Open 完了後に参照が無くなった場合はここで閉じる
		// 完了前なら open が参照 0 を見て閉じる
		if e.refs == 0 && e.handle != nil && c.entries[path] == e {
			delete(c.entries, path)
			c.mu.Unlock()
			_ = c.closeDocument(e.handle)
			return nil, ctx.Err()
		}
		c.mu.Unlock()
		return nil, ctx.Err()
	}

	if e.err != nil {
		return nil, e.err
	}
	return e.handle, nil
}

// Release は参照カウントを1減らし、0になればドキュメントを閉じる
func (c *Cache) Release(h *Handle) error {
	if h == nil {
		return fmt.Errorf("nil ハンドルは解放できません")
	}

	c.mu.Lock()
	e, ok := c.entries[h.path]
	if !ok || e.handle != h {
		c.mu.Unlock()
		return fmt.Errorf("保持されていないハンドルです: %s", h.path)
	}

	e.refs--
	if e.refs > 0 {
		c.mu.Unlock()
		return nil
	}

	delete(c.entries, h.path)
	c.mu.Unlock()

	return c.closeDocument(h)
}

// Refs はパスの現在の参照カウントを返す（未キャッシュなら0）
func (c *Cache) Refs(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[path]; ok {
		return e.refs
	}
	return 0
}

// Stats はキャッシュ中のハンドル一覧をパス順で返す
func (c *Cache) Stats() []HandleInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	infos := make([]HandleInfo, 0, len(c.entries))
	for path, e := range c.entries {
		info := HandleInfo{Path: path, Refs: e.refs}
		if e.handle != nil {
			info.OpenedAt = e.handle.openedAt
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos
}

// Close は参照されていないドキュメントを閉じ、以降の Acquire を拒否する
//
// 全セッションの終了後に呼ぶこと。参照中のハンドルは閉じずに残し、
// 最後の Release で閉じる。その場合は ErrHandlesInUse を返す。
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true
	handles := make([]*Handle, 0, len(c.entries))
	var inUse []string
	for path, e := range c.entries {
		if e.handle != nil && e.refs > 0 {
			inUse = append(inUse, path)
			continue
		}
		if e.handle != nil {
			handles = append(handles, e.handle)
		}
		// Open 中のエントリは open が閉じる
		delete(c.entries, path)
	}
	c.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := c.closeDocument(h); err != nil {
			errs = append(errs, err)
		}
	}
	if len(inUse) > 0 {
		sort.Strings(inUse)
		c.log.Warn("参照中のレイアウトを残してキャッシュを閉じます", logger.F("paths", inUse))
		errs = append(errs, fmt.Errorf("%w: %v", ErrHandlesInUse, inUse))
	}
	return errors.Join(errs...)
}

func (c *Cache) closeDocument(h *Handle) error {
	if err := h.doc.Close(); err != nil {
		c.log.Warn("レイアウトのクローズに失敗しました", logger.F("path", h.path), logger.Err(err))
		return fmt.Errorf("レイアウト %s のクローズに失敗: %w", h.path, err)
	}
	c.log.Info("レイアウトを閉じました", logger.F("path", h.path))
	return nil
}

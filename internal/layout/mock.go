package layout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MockLayout はモックエンジンが返すレイアウトの内容
type MockLayout struct {
	Bounds Box
	Layers []LayerInfo
}

// MockEngine はテスト用の Engine 実装
//
// Open/Close/Render の呼び出し回数を記録し、Open の遅延や
// Render のブロックを制御できる。
type MockEngine struct {
	mu       sync.Mutex
	layouts  map[string]MockLayout
	broken   map[string]bool
	opens    map[string]int
	closes   map[string]int
	renders  []RenderRequest
	attempts []string // Open が呼ばれたパス（存在しないものを含む）

	openDelay   time.Duration
	blockRender bool
	failRender  bool
	release     chan struct{}
	started     chan RenderRequest
}

// NewMockEngine は新しい MockEngine を作成する
func NewMockEngine() *MockEngine {
	return &MockEngine{
		layouts: make(map[string]MockLayout),
		broken:  make(map[string]bool),
		opens:   make(map[string]int),
		closes:  make(map[string]int),
		release: make(chan struct{}),
		started: make(chan RenderRequest, 256),
	}
}

// AddLayout は開けるレイアウトを登録する
func (m *MockEngine) AddLayout(path string, layout MockLayout) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layouts[path] = layout
}

// AddBroken は解析に失敗するファイルを登録する
func (m *MockEngine) AddBroken(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broken[path] = true
}

// SetOpenDelay は Open にかかる時間を設定する
func (m *MockEngine) SetOpenDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openDelay = d
}

// SetBlockRender は Render を ReleaseRender まで待たせるか設定する
func (m *MockEngine) SetBlockRender(block bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockRender = block
}

// SetFailRender は Render を失敗させるか設定する
func (m *MockEngine) SetFailRender(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRender = fail
}

// ReleaseRender はブロック中の Render をひとつ完了させる
func (m *MockEngine) ReleaseRender() {
	m.release <- struct{}{}
}

// RenderStarted は開始された Render 要求を通知するチャンネルを返す
func (m *MockEngine) RenderStarted() <-chan RenderRequest {
	return m.started
}

// Opens はパスが Open された回数を返す
func (m *MockEngine) Opens(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens[path]
}

// Closes はパスのドキュメントが Close された回数を返す
func (m *MockEngine) Closes(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes[path]
}

// Attempts は Open が試みられたパスの一覧を返す
func (m *MockEngine) Attempts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.attempts...)
}

// Renders は受け付けた Render 要求の一覧を返す
func (m *MockEngine) Renders() []RenderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RenderRequest(nil), m.renders...)
}

// Open はモックドキュメントを返す
func (m *MockEngine) Open(ctx context.Context, path string) (Document, error) {
	m.mu.Lock()
	m.attempts = append(m.attempts, path)
	delay := m.openDelay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.broken[path] {
		return nil, &FormatError{Path: path, Err: errors.New("モック: 解析に失敗")}
	}

	layout, ok := m.layouts[path]
	if !ok {
		return nil, &NotFoundError{Path: path}
	}

	m.opens[path]++
	return &mockDocument{engine: m, path: path, layout: layout}, nil
}

type mockDocument struct {
	engine *MockEngine
	path   string
	layout MockLayout
	once   sync.Once
}

func (d *mockDocument) Bounds() Box { return d.layout.Bounds }

func (d *mockDocument) Layers() []LayerInfo {
	return append([]LayerInfo(nil), d.layout.Layers...)
}

func (d *mockDocument) Render(ctx context.Context, req RenderRequest) (Tile, error) {
	m := d.engine

	m.mu.Lock()
	m.renders = append(m.renders, req)
	block := m.blockRender
	fail := m.failRender
	m.mu.Unlock()

	select {
	case m.started <- req:
	default:
	}

	if block {
		select {
		case <-m.release:
		case <-ctx.Done():
			return Tile{}, ctx.Err()
		}
	}

	if fail {
		return Tile{}, errors.New("モック: 描画に失敗")
	}

	return Tile{
		Format: "mock",
		Width:  req.Width,
		Height: req.Height,
		Data:   []byte(fmt.Sprintf("%v@%v", req.Viewport.BBox, req.Viewport.Zoom)),
	}, nil
}

func (d *mockDocument) Close() error {
	d.once.Do(func() {
		d.engine.mu.Lock()
		d.engine.closes[d.path]++
		d.engine.mu.Unlock()
	})
	return nil
}

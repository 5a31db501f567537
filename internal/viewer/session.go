// Package viewer は接続ごとの表示状態（ビューポートとレイヤー表示）を管理する
package viewer

import (
	"math"

	"github.com/google/uuid"

	"kweb/internal/layout"
)

// Limits はビューポートに許される範囲
type Limits struct {
	MinZoom float64
	MaxZoom float64
}

// DefaultLimits はデフォルトのズーム範囲を返す
func DefaultLimits() Limits {
	return Limits{MinZoom: 0.01, MaxZoom: 10000}
}

// LayerToggle はレイヤー表示の切り替え要求
type LayerToggle struct {
	Name    string `json:"name"`
	Visible bool   `json:"visible"`
}

// Update はクライアントから届いたビューポート更新
type Update struct {
	BBox   layout.Box
	Zoom   float64
	Layers []LayerToggle
}

// LayerState はレイヤーの表示状態
type LayerState struct {
	Name    string `json:"name"`
	Visible bool   `json:"visible"`
}

// State はセッションの表示状態のスナップショット
type State struct {
	Viewport layout.Viewport
	Layers   []LayerState
}

// RenderJob は描画ジョブの記述。描画自体は行わない
type RenderJob struct {
	SessionID string
	Handle    *layout.Handle
	Viewport  layout.Viewport
	Layers    []string // 表示中のレイヤー名
	Seq       uint64
}

// Session は1接続分の表示状態
//
// Session はスレッドセーフではない。所有者（同期エンジン）だけが操作する。
type Session struct {
	id       string
	handle   *layout.Handle
	bounds   layout.Box
	limits   Limits
	viewport layout.Viewport
	order    []string        // レイヤー名（レイアウト内の順序）
	visible  map[string]bool // レイヤー名 -> 表示
	seq      uint64          // 最後に発行したシーケンス番号
}

// NewSession はハンドルに紐づいたセッションを作成する
//
// ビューポートはレイアウト全体、全レイヤー表示で初期化する。
func NewSession(handle *layout.Handle, limits Limits) *Session {
	doc := handle.Document()
	layers := doc.Layers()

	s := &Session{
		id:      uuid.New().String(),
		handle:  handle,
		bounds:  doc.Bounds().Normalize(),
		limits:  limits,
		order:   make([]string, 0, len(layers)),
		visible: make(map[string]bool, len(layers)),
	}

	for _, l := range layers {
		if _, dup := s.visible[l.Name]; dup {
			continue
		}
		s.order = append(s.order, l.Name)
		s.visible[l.Name] = true
	}

	s.viewport = layout.Viewport{BBox: s.bounds, Zoom: s.clampZoom(1)}
	return s
}

// ID はセッションIDを返す
func (s *Session) ID() string { return s.id }

// Handle は紐づいたレイアウトハンドルを返す
func (s *Session) Handle() *layout.Handle { return s.handle }

// Bounds はレイアウト全体の外接矩形を返す
func (s *Session) Bounds() layout.Box { return s.bounds }

// LastSeq は最後に発行したシーケンス番号を返す
func (s *Session) LastSeq() uint64 { return s.seq }

// ApplyUpdate は更新を適用して新しい状態を返す
//
// 範囲外の bbox とズームは有効な範囲に丸める。未知のレイヤー名は無視する。
func (s *Session) ApplyUpdate(u Update) State {
	bbox := u.BBox.Normalize()
	if !s.bounds.Empty() {
		bbox = bbox.Clamp(s.bounds)
	}

	// 丸めた結果が面積を持たない場合は現在の bbox を維持する
	if !bbox.Empty() {
		s.viewport.BBox = bbox
	}
	s.viewport.Zoom = s.clampZoom(u.Zoom)

	for _, t := range u.Layers {
		if _, ok := s.visible[t.Name]; ok {
			s.visible[t.Name] = t.Visible
		}
	}

	return s.State()
}

// Reset はビューポートをレイアウト全体に戻す
func (s *Session) Reset() State {
	s.viewport = layout.Viewport{BBox: s.bounds, Zoom: s.clampZoom(1)}
	return s.State()
}

// State は現在の状態を返す
func (s *Session) State() State {
	layers := make([]LayerState, 0, len(s.order))
	for _, name := range s.order {
		layers = append(layers, LayerState{Name: name, Visible: s.visible[name]})
	}
	return State{Viewport: s.viewport, Layers: layers}
}

// RequestRender は現在の状態から次の描画ジョブを作る
func (s *Session) RequestRender() RenderJob {
	s.seq++

	layers := make([]string, 0, len(s.order))
	for _, name := range s.order {
		if s.visible[name] {
			layers = append(layers, name)
		}
	}

	return RenderJob{
		SessionID: s.id,
		Handle:    s.handle,
		Viewport:  s.viewport,
		Layers:    layers,
		Seq:       s.seq,
	}
}

func (s *Session) clampZoom(z float64) float64 {
	if math.IsNaN(z) || z <= 0 {
		return s.limits.MinZoom
	}
	return math.Max(s.limits.MinZoom, math.Min(s.limits.MaxZoom, z))
}

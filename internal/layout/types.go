package layout

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
)

// Box は軸平行な矩形（レイアウト座標系、単位はユーザー単位）
type Box struct {
	X0, Y0, X1, Y1 float64
}

// Width は矩形の幅を返す
func (b Box) Width() float64 { return b.X1 - b.X0 }

// Height は矩形の高さを返す
func (b Box) Height() float64 { return b.Y1 - b.Y0 }

// Empty は面積を持たない矩形か判定する
func (b Box) Empty() bool {
	return !(b.X1 > b.X0 && b.Y1 > b.Y0)
}

// Normalize は X0<=X1, Y0<=Y1 となるように角を並べ替える
func (b Box) Normalize() Box {
	if b.X0 > b.X1 {
		b.X0, b.X1 = b.X1, b.X0
	}
	if b.Y0 > b.Y1 {
		b.Y0, b.Y1 = b.Y1, b.Y0
	}
	return b
}

// Intersects は2つの矩形が重なるか判定する（境界の接触を含む）
func (b Box) Intersects(o Box) bool {
	return b.X0 <= o.X1 && o.X0 <= b.X1 && b.Y0 <= o.Y1 && o.Y0 <= b.Y1
}

// Clamp は各座標を bounds の範囲内に収める
func (b Box) Clamp(bounds Box) Box {
	return Box{
		X0: clamp(b.X0, bounds.X0, bounds.X1),
		Y0: clamp(b.Y0, bounds.Y0, bounds.Y1),
		X1: clamp(b.X1, bounds.X0, bounds.X1),
		Y1: clamp(b.Y1, bounds.Y0, bounds.Y1),
	}
}

// Union は両方を含む最小の矩形を返す
func (b Box) Union(o Box) Box {
	return Box{
		X0: math.Min(b.X0, o.X0),
		Y0: math.Min(b.Y0, o.Y0),
		X1: math.Max(b.X1, o.X1),
		Y1: math.Max(b.Y1, o.Y1),
	}
}

// MarshalJSON は [x0,y0,x1,y1] 形式で出力する
func (b Box) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{b.X0, b.Y0, b.X1, b.Y1})
}

// UnmarshalJSON は [x0,y0,x1,y1] 形式を読み込む
func (b *Box) UnmarshalJSON(data []byte) error {
	var v []float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("bbox は数値の配列である必要があります: %w", err)
	}
	if len(v) != 4 {
		return fmt.Errorf("bbox の要素数が不正です: %d", len(v))
	}
	for _, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("bbox に有限でない値が含まれています")
		}
	}
	*b = Box{X0: v[0], Y0: v[1], X1: v[2], Y1: v[3]}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Viewport はクライアントが表示している領域とズームレベル
type Viewport struct {
	BBox Box     `json:"bbox"`
	Zoom float64 `json:"zoom"`
}

// LayerInfo はレイアウトに含まれるレイヤー
type LayerInfo struct {
	Name     string `json:"name"`     // "layer/datatype" 形式の表示名
	Layer    int    `json:"layer"`    // GDS レイヤー番号
	Datatype int    `json:"datatype"` // GDS データタイプ
}

// RenderRequest はエンジンへの描画要求
type RenderRequest struct {
	Viewport Viewport
	Layers   []string // 表示するレイヤー名
	Width    int      // タイル幅 (px)
	Height   int      // タイル高さ (px)
}

// Tile は描画結果。中身の形式はエンジンが決める
type Tile struct {
	Format string `json:"format"` // 例: "png"
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Data   []byte `json:"data"` // JSON では base64
}

// Engine はレイアウトファイルを開く外部エンジン
type Engine interface {
	// Open はファイルを解析してドキュメントを返す
	// ファイルが無い場合は NotFoundError、解析できない場合は FormatError を返す
	Open(ctx context.Context, path string) (Document, error)
}

// Document はエンジンが開いたレイアウト
type Document interface {
	// Bounds はレイアウト全体の外接矩形を返す
	Bounds() Box

	// Layers はレイアウトに含まれるレイヤー一覧を返す
	Layers() []LayerInfo

	// Render は指定ビューポートのタイルを描画する
	Render(ctx context.Context, req RenderRequest) (Tile, error)

	// Close はエンジン側のリソースを解放する
	Close() error
}

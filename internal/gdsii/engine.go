package gdsii

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io/fs"
	"math"
	"os"
	"sort"

	"kweb/internal/layout"
	"kweb/internal/logger"
)

// DefaultMaxShapes は1ファイルから展開する矩形の上限
const DefaultMaxShapes = 2_000_000

const (
	defaultTileSize = 512
	cancelCheckStep = 4096
)

// Engine は GDSII ファイルを開く layout.Engine 実装
type Engine struct {
	maxShapes int
	log       logger.Logger
}

// NewEngine は新しい Engine を作成する。maxShapes が 0 以下なら既定値を使う
func NewEngine(maxShapes int, log logger.Logger) *Engine {
	if maxShapes <= 0 {
		maxShapes = DefaultMaxShapes
	}
	return &Engine{
		maxShapes: maxShapes,
		log:       log.With(logger.F("component", "gdsii")),
	}
}

// Open はファイルを読み込んで展開する
func (e *Engine) Open(ctx context.Context, path string) (layout.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &layout.NotFoundError{Path: path}
		}
		return nil, fmt.Errorf("レイアウトファイルを開けません: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("レイアウトファイルの情報を取得できません: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, &layout.NotFoundError{Path: path}
	}

	lib, err := parse(bufio.NewReader(f))
	if err != nil {
		return nil, &layout.FormatError{Path: path, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shapes, truncated, err := flatten(lib, e.maxShapes)
	if err != nil {
		return nil, &layout.FormatError{Path: path, Err: err}
	}
	if truncated {
		e.log.Warn("矩形数が上限を超えたため一部を省略しました",
			logger.F("path", path),
			logger.F("limit", e.maxShapes),
		)
	}

	doc := newDocument(lib, shapes)
	e.log.Info("レイアウトを読み込みました",
		logger.F("path", path),
		logger.F("library", lib.name),
		logger.F("structures", len(lib.structures)),
		logger.F("shapes", len(shapes)),
	)
	return doc, nil
}

type layerKey struct {
	layer, datatype int
}

// document は展開済みのレイアウト
type document struct {
	bounds layout.Box
	layers []layout.LayerInfo
	names  map[layerKey]string
	shapes []shape
	unit   float64
}

func newDocument(lib *library, shapes []shape) *document {
	d := &document{
		names:  make(map[layerKey]string),
		shapes: shapes,
		unit:   lib.userUnit,
	}

	total := emptyRect()
	for _, s := range shapes {
		k := layerKey{s.layer, s.datatype}
		if _, ok := d.names[k]; !ok {
			d.names[k] = fmt.Sprintf("%d/%d", s.layer, s.datatype)
			d.layers = append(d.layers, layout.LayerInfo{Name: d.names[k], Layer: s.layer, Datatype: s.datatype})
		}
		total.add(s.box.x0, s.box.y0)
		total.add(s.box.x1, s.box.y1)
	}

	sort.Slice(d.layers, func(i, j int) bool {
		if d.layers[i].Layer != d.layers[j].Layer {
			return d.layers[i].Layer < d.layers[j].Layer
		}
		return d.layers[i].Datatype < d.layers[j].Datatype
	})

	if total.valid() {
		d.bounds = layout.Box{
			X0: total.x0 * d.unit, Y0: total.y0 * d.unit,
			X1: total.x1 * d.unit, Y1: total.y1 * d.unit,
		}
	}
	return d
}

func (d *document) Bounds() layout.Box { return d.bounds }

func (d *document) Layers() []layout.LayerInfo {
	return append([]layout.LayerInfo(nil), d.layers...)
}

// Render は表示レイヤーの矩形を PNG に描画する
func (d *document) Render(ctx context.Context, req layout.RenderRequest) (layout.Tile, error) {
	vp := req.Viewport.BBox.Normalize()
	if vp.Empty() {
		return layout.Tile{}, errors.New("描画範囲が空です")
	}

	w, h := req.Width, req.Height
	if w <= 0 {
		w = defaultTileSize
	}
	if h <= 0 {
		h = defaultTileSize
	}

	visible := make(map[string]bool, len(req.Layers))
	for _, name := range req.Layers {
		visible[name] = true
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	sx := float64(w) / vp.Width()
	sy := float64(h) / vp.Height()

	for i, s := range d.shapes {
		if i%cancelCheckStep == 0 {
			if err := ctx.Err(); err != nil {
				return layout.Tile{}, err
			}
		}

		name := d.names[layerKey{s.layer, s.datatype}]
		if !visible[name] {
			continue
		}

		box := layout.Box{X0: s.box.x0 * d.unit, Y0: s.box.y0 * d.unit, X1: s.box.x1 * d.unit, Y1: s.box.y1 * d.unit}
		if !box.Intersects(vp) {
			continue
		}

		// y 軸は画像座標で下向き
		px := image.Rect(
			toPixel(math.Floor((box.X0-vp.X0)*sx), w),
			toPixel(math.Floor((vp.Y1-box.Y1)*sy), h),
			toPixel(math.Ceil((box.X1-vp.X0)*sx), w),
			toPixel(math.Ceil((vp.Y1-box.Y0)*sy), h),
		)
		if px.Dx() == 0 {
			px.Max.X++
		}
		if px.Dy() == 0 {
			px.Max.Y++
		}
		px = px.Intersect(img.Bounds())
		if px.Empty() {
			continue
		}

		draw.Draw(img, px, image.NewUniform(layerColor(s.layer, s.datatype)), image.Point{}, draw.Over)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return layout.Tile{}, fmt.Errorf("PNG のエンコードに失敗: %w", err)
	}

	return layout.Tile{Format: "png", Width: w, Height: h, Data: buf.Bytes()}, nil
}

// toPixel は画像座標をタイルの外側1ピクセルまでに収めて int にする
func toPixel(v float64, size int) int {
	return int(math.Max(-1, math.Min(v, float64(size+1))))
}

func (d *document) Close() error {
	d.shapes = nil
	return nil
}

var palette = []color.NRGBA{
	{R: 0x1f, G: 0x77, B: 0xb4, A: 0x99},
	{R: 0xff, G: 0x7f, B: 0x0e, A: 0x99},
	{R: 0x2c, G: 0xa0, B: 0x2c, A: 0x99},
	{R: 0xd6, G: 0x27, B: 0x28, A: 0x99},
	{R: 0x94, G: 0x67, B: 0xbd, A: 0x99},
	{R: 0x8c, G: 0x56, B: 0x4b, A: 0x99},
	{R: 0xe3, G: 0x77, B: 0xc2, A: 0x99},
	{R: 0x7f, G: 0x7f, B: 0x7f, A: 0x99},
	{R: 0xbc, G: 0xbd, B: 0x22, A: 0x99},
	{R: 0x17, G: 0xbe, B: 0xcf, A: 0x99},
}

// layerColor はレイヤー番号から固定の色を選ぶ
func layerColor(layer, datatype int) color.NRGBA {
	i := (layer*7 + datatype*3) % len(palette)
	if i < 0 {
		i += len(palette)
	}
	return palette[i]
}

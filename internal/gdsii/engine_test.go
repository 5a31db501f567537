package gdsii

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kweb/internal/layout"
	"kweb/internal/logger"
)

// streamBuilder はテスト用の GDSII ストリームを組み立てる
type streamBuilder struct {
	buf bytes.Buffer
}

func (b *streamBuilder) record(kind, dtype byte, payload []byte) *streamBuilder {
	var head [4]byte
	binary.BigEndian.PutUint16(head[:2], uint16(len(payload)+4))
	head[2], head[3] = kind, dtype
	b.buf.Write(head[:])
	b.buf.Write(payload)
	return b
}

func (b *streamBuilder) empty(kind byte) *streamBuilder {
	return b.record(kind, 0x00, nil)
}

func (b *streamBuilder) int16s(kind byte, vs ...int16) *streamBuilder {
	p := make([]byte, 2*len(vs))
	for i, v := range vs {
		binary.BigEndian.PutUint16(p[2*i:], uint16(v))
	}
	return b.record(kind, 0x02, p)
}

func (b *streamBuilder) int32s(kind byte, vs ...int32) *streamBuilder {
	p := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.BigEndian.PutUint32(p[4*i:], uint32(v))
	}
	return b.record(kind, 0x03, p)
}

func (b *streamBuilder) reals(kind byte, vs ...float64) *streamBuilder {
	p := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.BigEndian.PutUint64(p[8*i:], encodeReal(v))
	}
	return b.record(kind, 0x05, p)
}

func (b *streamBuilder) str(kind byte, s string) *streamBuilder {
	p := []byte(s)
	if len(p)%2 == 1 {
		p = append(p, 0)
	}
	return b.record(kind, 0x06, p)
}

func (b *streamBuilder) begin(lib string) *streamBuilder {
	return b.int16s(recHeader, 600).
		int16s(recBgnLib, make([]int16, 12)...).
		str(recLibName, lib).
		reals(recUnits, 0.001, 1e-9)
}

func (b *streamBuilder) beginStruct(name string) *streamBuilder {
	return b.int16s(recBgnStr, make([]int16, 12)...).str(recStrName, name)
}

func (b *streamBuilder) rectangle(layer, datatype int16, x0, y0, x1, y1 int32) *streamBuilder {
	return b.empty(recBoundary).
		int16s(recLayer, layer).
		int16s(recDatatype, datatype).
		int32s(recXY, x0, y0, x1, y0, x1, y1, x0, y1, x0, y0).
		empty(recEndEl)
}

func (b *streamBuilder) sref(name string, x, y int32, angle float64) *streamBuilder {
	b.empty(recSRef).str(recSName, name)
	if angle != 0 {
		b.int16s(recSTrans, 0).reals(recAngle, angle)
	}
	return b.int32s(recXY, x, y).empty(recEndEl)
}

func (b *streamBuilder) endStruct() *streamBuilder { return b.empty(recEndStr) }

func (b *streamBuilder) endLib() *streamBuilder { return b.empty(recEndLib) }

func (b *streamBuilder) write(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, b.buf.Bytes(), 0o644))
	return path
}

// chipTop は TOP に矩形1つと CELL の参照1つを持つライブラリ
func chipTop() *streamBuilder {
	b := &streamBuilder{}
	return b.begin("chip").
		beginStruct("CELL").
		rectangle(2, 0, 0, 0, 100, 100).
		endStruct().
		beginStruct("TOP").
		rectangle(1, 0, 0, 0, 1000, 1000).
		sref("CELL", 2000, 0, 0).
		endStruct().
		endLib()
}

func TestEngine_Open(t *testing.T) {
	path := chipTop().write(t, "chip_top.gds")
	engine := NewEngine(0, logger.Nop())

	doc, err := engine.Open(context.Background(), path)
	require.NoError(t, err)
	defer doc.Close()

	bounds := doc.Bounds()
	assert.InDelta(t, 0, bounds.X0, 1e-9)
	assert.InDelta(t, 0, bounds.Y0, 1e-9)
	assert.InDelta(t, 2.1, bounds.X1, 1e-9)
	assert.InDelta(t, 1.0, bounds.Y1, 1e-9)

	assert.Equal(t, []layout.LayerInfo{
		{Name: "1/0", Layer: 1, Datatype: 0},
		{Name: "2/0", Layer: 2, Datatype: 0},
	}, doc.Layers())
}

func TestEngine_OpenErrors(t *testing.T) {
	engine := NewEngine(0, logger.Nop())
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		_, err := engine.Open(context.Background(), filepath.Join(dir, "missing.gds"))
		var nf *layout.NotFoundError
		assert.True(t, errors.As(err, &nf))
	})

	t.Run("directory", func(t *testing.T) {
		_, err := engine.Open(context.Background(), dir)
		var nf *layout.NotFoundError
		assert.True(t, errors.As(err, &nf))
	})

	formatCases := map[string][]byte{
		"empty file":    {},
		"text file":     []byte("this is not a layout file\n"),
		"short record":  {0x00, 0x02, 0x00, 0x02},
		"missing endlib": func() []byte {
			b := &streamBuilder{}
			b.begin("x").beginStruct("TOP").rectangle(1, 0, 0, 0, 1, 1).endStruct()
			return b.buf.Bytes()
		}(),
	}
	for name, data := range formatCases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".gds")
			require.NoError(t, os.WriteFile(path, data, 0o644))

			_, err := engine.Open(context.Background(), path)
			var fe *layout.FormatError
			require.True(t, errors.As(err, &fe), "FormatError を期待しましたが %v でした", err)
			assert.Equal(t, layout.CodeFormat, fe.Code())
		})
	}
}

func TestEngine_CyclicReferences(t *testing.T) {
	b := &streamBuilder{}
	path := b.begin("cyclic").
		beginStruct("A").sref("B", 0, 0, 0).endStruct().
		beginStruct("B").sref("A", 0, 0, 0).endStruct().
		endLib().
		write(t, "cyclic.gds")

	_, err := NewEngine(0, logger.Nop()).Open(context.Background(), path)
	var fe *layout.FormatError
	assert.True(t, errors.As(err, &fe))
}

func TestEngine_RotatedReference(t *testing.T) {
	b := &streamBuilder{}
	path := b.begin("rot").
		beginStruct("CELL").rectangle(1, 0, 0, 0, 100, 50).endStruct().
		beginStruct("TOP").sref("CELL", 0, 0, 90).endStruct().
		endLib().
		write(t, "rot.gds")

	doc, err := NewEngine(0, logger.Nop()).Open(context.Background(), path)
	require.NoError(t, err)

	bounds := doc.Bounds()
	assert.InDelta(t, -0.05, bounds.X0, 1e-9)
	assert.InDelta(t, 0, bounds.Y0, 1e-9)
	assert.InDelta(t, 0, bounds.X1, 1e-9)
	assert.InDelta(t, 0.1, bounds.Y1, 1e-9)
}

func TestEngine_ArrayReference(t *testing.T) {
	b := &streamBuilder{}
	b.begin("array").
		beginStruct("CELL").rectangle(1, 0, 0, 0, 10, 10).endStruct().
		beginStruct("TOP").
		empty(recARef).
		str(recSName, "CELL").
		int16s(recColRow, 3, 2).
		int32s(recXY, 0, 0, 300, 0, 0, 200).
		empty(recEndEl).
		endStruct().
		endLib()

	lib, err := parse(bytes.NewReader(b.buf.Bytes()))
	require.NoError(t, err)

	shapes, truncated, err := flatten(lib, 0)
	require.NoError(t, err)
	assert.False(t, truncated)
	require.Len(t, shapes, 6)
	assert.Equal(t, rect{x0: 200, y0: 100, x1: 210, y1: 110}, shapes[5].box)

	shapes, truncated, err = flatten(lib, 4)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Len(t, shapes, 4)
}

func TestDocument_Render(t *testing.T) {
	path := chipTop().write(t, "chip_top.gds")
	doc, err := NewEngine(0, logger.Nop()).Open(context.Background(), path)
	require.NoError(t, err)

	req := layout.RenderRequest{
		Viewport: layout.Viewport{BBox: layout.Box{X0: 0, Y0: 0, X1: 2.1, Y1: 1.05}, Zoom: 1},
		Layers:   []string{"1/0"},
		Width:    210,
		Height:   105,
	}
	tile, err := doc.Render(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "png", tile.Format)
	assert.Equal(t, 210, tile.Width)

	img, err := png.Decode(bytes.NewReader(tile.Data))
	require.NoError(t, err)
	assert.Equal(t, 210, img.Bounds().Dx())
	assert.Equal(t, 105, img.Bounds().Dy())

	// 1/0 の矩形の内側は塗られ、非表示の 2/0 の位置は透明
	_, _, _, a := img.At(50, 60).RGBA()
	assert.NotZero(t, a)
	_, _, _, a = img.At(205, 100).RGBA()
	assert.Zero(t, a)
}

func TestDocument_RenderExtremeZoom(t *testing.T) {
	b := &streamBuilder{}
	path := b.begin("big").
		beginStruct("TOP").
		rectangle(1, 0, -1000, -1000, 1000, 1000).
		endStruct().
		endLib().
		write(t, "big.gds")
	doc, err := NewEngine(0, logger.Nop()).Open(context.Background(), path)
	require.NoError(t, err)

	// 矩形よりはるかに小さい範囲でも矩形の内側として塗られる
	tile, err := doc.Render(context.Background(), layout.RenderRequest{
		Viewport: layout.Viewport{BBox: layout.Box{X0: 0, Y0: 0, X1: 1e-300, Y1: 1e-300}, Zoom: 1},
		Layers:   []string{"1/0"},
		Width:    16,
		Height:   16,
	})
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(tile.Data))
	require.NoError(t, err)
	for _, p := range []image.Point{{0, 0}, {8, 8}, {15, 15}} {
		_, _, _, a := img.At(p.X, p.Y).RGBA()
		assert.NotZero(t, a, "pixel %v", p)
	}
}

func TestDocument_RenderErrors(t *testing.T) {
	path := chipTop().write(t, "chip_top.gds")
	doc, err := NewEngine(0, logger.Nop()).Open(context.Background(), path)
	require.NoError(t, err)

	_, err = doc.Render(context.Background(), layout.RenderRequest{})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = doc.Render(ctx, layout.RenderRequest{
		Viewport: layout.Viewport{BBox: doc.Bounds(), Zoom: 1},
		Layers:   []string{"1/0"},
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReal(t *testing.T) {
	for _, v := range []float64{1, 0.001, 1e-9, -2.5, 90, 0} {
		assert.InDelta(t, v, decodeReal(encodeReal(v)), 1e-12*max(1, v*v))
	}
}

func TestEngine_WithCache(t *testing.T) {
	path := chipTop().write(t, "chip_top.gds")
	cache := layout.NewCache(NewEngine(0, logger.Nop()), logger.Nop())

	h, err := cache.Acquire(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, h.Document().Layers(), 2)
	require.NoError(t, cache.Release(h))
	assert.Empty(t, cache.Stats())
}

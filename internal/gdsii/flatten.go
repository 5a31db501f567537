package gdsii

import (
	"errors"
	"fmt"
	"math"
)

// maxDepth は参照の最大ネスト数
const maxDepth = 64

// shape は展開済みの矩形（DB 単位）
type shape struct {
	layer    int
	datatype int
	box      rect
}

// affine は x' = a*x + b*y + tx, y' = c*x + d*y + ty
type affine struct {
	a, b, c, d, tx, ty float64
}

var identity = affine{a: 1, d: 1}

func (m affine) apply(x, y float64) (float64, float64) {
	return m.a*x + m.b*y + m.tx, m.c*x + m.d*y + m.ty
}

// then は先に n、次に m を適用する変換を返す
func (m affine) then(n affine) affine {
	return affine{
		a:  m.a*n.a + m.b*n.c,
		b:  m.a*n.b + m.b*n.d,
		c:  m.c*n.a + m.d*n.c,
		d:  m.c*n.b + m.d*n.d,
		tx: m.a*n.tx + m.b*n.ty + m.tx,
		ty: m.c*n.tx + m.d*n.ty + m.ty,
	}
}

// transformRect は矩形の4隅を変換した外接矩形を返す
func (m affine) transformRect(r rect) rect {
	out := emptyRect()
	for _, p := range [][2]float64{{r.x0, r.y0}, {r.x1, r.y0}, {r.x0, r.y1}, {r.x1, r.y1}} {
		out.add(m.apply(p[0], p[1]))
	}
	return out
}

// placement は参照1個分の変換（配置位置を除く）
func (ref reference) placement() affine {
	rad := ref.angle * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	fy := 1.0
	if ref.reflect {
		fy = -1
	}
	// 反転 → 拡大 → 回転
	return affine{
		a: ref.mag * cos,
		b: -ref.mag * sin * fy,
		c: ref.mag * sin,
		d: ref.mag * cos * fy,
	}
}

// eachInstance は参照が置く各インスタンスの変換を順に渡す
// fn が false を返したら打ち切る。
func (ref reference) eachInstance(fn func(affine) bool) {
	base := ref.placement()
	origin := ref.xy[0]

	if len(ref.xy) < 3 {
		base.tx, base.ty = origin[0], origin[1]
		fn(base)
		return
	}

	colStep := [2]float64{
		(ref.xy[1][0] - origin[0]) / float64(ref.cols),
		(ref.xy[1][1] - origin[1]) / float64(ref.cols),
	}
	rowStep := [2]float64{
		(ref.xy[2][0] - origin[0]) / float64(ref.rows),
		(ref.xy[2][1] - origin[1]) / float64(ref.rows),
	}

	for c := 0; c < ref.cols; c++ {
		for r := 0; r < ref.rows; r++ {
			m := base
			m.tx = origin[0] + float64(c)*colStep[0] + float64(r)*rowStep[0]
			m.ty = origin[1] + float64(c)*colStep[1] + float64(r)*rowStep[1]
			if !fn(m) {
				return
			}
		}
	}
}

// flattener は参照を展開して矩形を集める
type flattener struct {
	lib       *library
	limit     int
	shapes    []shape
	truncated bool
	stack     map[string]bool
}

// flatten はトップ構造から参照をたどり、全要素を矩形として返す
//
// limit を超えた分は捨て、truncated を true にする。
func flatten(lib *library, limit int) ([]shape, bool, error) {
	f := &flattener{lib: lib, limit: limit, stack: make(map[string]bool)}

	tops := topStructures(lib)
	if len(tops) == 0 && len(lib.order) > 0 {
		return nil, false, errors.New("トップ構造がありません（参照が循環しています）")
	}

	for _, name := range tops {
		if err := f.walk(lib.structures[name], identity, 0); err != nil {
			return nil, false, err
		}
	}
	return f.shapes, f.truncated, nil
}

func (f *flattener) walk(s *structure, m affine, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("参照のネストが深すぎます: %s", s.name)
	}
	if f.stack[s.name] {
		return fmt.Errorf("参照が循環しています: %s", s.name)
	}
	f.stack[s.name] = true
	defer delete(f.stack, s.name)

	for _, el := range s.elements {
		if f.limit > 0 && len(f.shapes) >= f.limit {
			f.truncated = true
			return nil
		}
		f.shapes = append(f.shapes, shape{
			layer:    el.layer,
			datatype: el.datatype,
			box:      m.transformRect(el.box),
		})
	}

	for _, ref := range s.refs {
		child, ok := f.lib.structures[ref.name]
		if !ok {
			// 未定義の構造への参照は無視する
			continue
		}
		var err error
		ref.eachInstance(func(inst affine) bool {
			err = f.walk(child, m.then(inst), depth+1)
			return err == nil && !f.truncated
		})
		if err != nil {
			return err
		}
		if f.truncated {
			return nil
		}
	}
	return nil
}

// topStructures はどこからも参照されていない構造を定義順に返す
func topStructures(lib *library) []string {
	referenced := make(map[string]bool)
	for _, s := range lib.structures {
		for _, ref := range s.refs {
			referenced[ref.name] = true
		}
	}

	var tops []string
	for _, name := range lib.order {
		if !referenced[name] {
			tops = append(tops, name)
		}
	}
	return tops
}

package gdsii

import (
	"errors"
	"fmt"
	"io"
	"math"
)

// rect は DB 単位の外接矩形
type rect struct {
	x0, y0, x1, y1 float64
}

func emptyRect() rect {
	return rect{x0: math.Inf(1), y0: math.Inf(1), x1: math.Inf(-1), y1: math.Inf(-1)}
}

func (r *rect) add(x, y float64) {
	r.x0 = math.Min(r.x0, x)
	r.y0 = math.Min(r.y0, y)
	r.x1 = math.Max(r.x1, x)
	r.y1 = math.Max(r.y1, y)
}

func (r rect) valid() bool {
	return r.x0 <= r.x1 && r.y0 <= r.y1
}

// element は描画対象の図形要素
type element struct {
	layer    int
	datatype int
	box      rect
}

// reference は SREF/AREF による構造の参照
type reference struct {
	name    string
	reflect bool
	mag     float64
	angle   float64 // 度、反時計回り
	cols    int
	rows    int
	xy      [][2]float64 // SREF は1点、AREF は3点
}

// structure は GDSII の構造（セル）
type structure struct {
	name     string
	elements []element
	refs     []reference
}

// library はストリーム全体
type library struct {
	name       string
	userUnit   float64 // 1 DB 単位あたりのユーザー単位
	structures map[string]*structure
	order      []string
}

// parse はストリームを読み込んで構造の一覧を返す
func parse(r io.Reader) (*library, error) {
	first, err := readRecord(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errNoHeader
		}
		return nil, err
	}
	if first.kind != recHeader || len(first.data) != 2 {
		return nil, errNoHeader
	}

	lib := &library{userUnit: 1, structures: make(map[string]*structure)}

	var (
		cur    *structure
		kind   byte // 処理中の要素の種別（0 は要素の外）
		el     element
		points [][2]float64
		width  float64
		ref    reference
	)

	for {
		rec, err := readRecord(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("ENDLIB の前にストリームが終わりました")
			}
			return nil, err
		}

		switch rec.kind {
		case recLibName:
			lib.name = rec.str()

		case recUnits:
			if units := rec.reals(); len(units) >= 1 && units[0] > 0 {
				lib.userUnit = units[0]
			}

		case recBgnStr:
			cur = &structure{}

		case recStrName:
			if cur == nil {
				return nil, errors.New("BGNSTR の外に STRNAME があります")
			}
			cur.name = rec.str()

		case recEndStr:
			if cur == nil {
				return nil, errors.New("対応する BGNSTR がない ENDSTR です")
			}
			if _, dup := lib.structures[cur.name]; !dup {
				lib.order = append(lib.order, cur.name)
			}
			lib.structures[cur.name] = cur
			cur = nil

		case recBoundary, recPath, recBox, recText, recNode:
			if cur == nil {
				return nil, fmt.Errorf("構造の外に要素 0x%02x があります", rec.kind)
			}
			kind = rec.kind
			el = element{}
			points = points[:0]
			width = 0

		case recSRef, recARef:
			if cur == nil {
				return nil, fmt.Errorf("構造の外に参照 0x%02x があります", rec.kind)
			}
			kind = rec.kind
			ref = reference{mag: 1, cols: 1, rows: 1}

		case recLayer:
			if v := rec.int16s(); len(v) > 0 {
				el.layer = int(v[0])
			}

		case recDatatype, recBoxType, recTextType:
			if v := rec.int16s(); len(v) > 0 {
				el.datatype = int(v[0])
			}

		case recWidth:
			if v := rec.int32s(); len(v) > 0 {
				width = math.Abs(float64(v[0]))
			}

		case recXY:
			v := rec.int32s()
			pts := make([][2]float64, 0, len(v)/2)
			for i := 0; i+1 < len(v); i += 2 {
				pts = append(pts, [2]float64{float64(v[i]), float64(v[i+1])})
			}
			if kind == recSRef || kind == recARef {
				ref.xy = pts
			} else {
				points = append(points, pts...)
			}

		case recSName:
			ref.name = rec.str()

		case recSTrans:
			if v := rec.int16s(); len(v) > 0 {
				ref.reflect = uint16(v[0])&0x8000 != 0
			}

		case recMag:
			if v := rec.reals(); len(v) > 0 && v[0] > 0 {
				ref.mag = v[0]
			}

		case recAngle:
			if v := rec.reals(); len(v) > 0 {
				ref.angle = v[0]
			}

		case recColRow:
			if v := rec.int16s(); len(v) >= 2 {
				ref.cols, ref.rows = max(int(v[0]), 1), max(int(v[1]), 1)
			}

		case recEndEl:
			if cur == nil {
				return nil, errors.New("構造の外に ENDEL があります")
			}
			switch kind {
			case recBoundary, recPath, recBox:
				if box, ok := bound(points, width/2); ok {
					el.box = box
					cur.elements = append(cur.elements, el)
				}
			case recSRef, recARef:
				if ref.name != "" && len(ref.xy) > 0 {
					cur.refs = append(cur.refs, ref)
				}
			}
			kind = 0

		case recEndLib:
			if cur != nil {
				return nil, errors.New("ENDSTR の前に ENDLIB があります")
			}
			return lib, nil
		}
	}
}

// bound は点列の外接矩形を pad だけ広げて返す
func bound(points [][2]float64, pad float64) (rect, bool) {
	if len(points) == 0 {
		return rect{}, false
	}
	r := emptyRect()
	for _, p := range points {
		r.add(p[0], p[1])
	}
	r.x0 -= pad
	r.y0 -= pad
	r.x1 += pad
	r.y1 += pad
	return r, true
}

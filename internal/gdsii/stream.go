// Package gdsii は GDSII ストリーム形式を読み込む組み込みのレイアウトエンジン
//
// 境界・パス・ボックス要素の外接矩形を集め、SREF/AREF を展開して
// 平坦な矩形の一覧にする。描画は矩形単位で行う簡易なもの。
package gdsii

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// レコード種別
const (
	recHeader   = 0x00
	recBgnLib   = 0x01
	recLibName  = 0x02
	recUnits    = 0x03
	recEndLib   = 0x04
	recBgnStr   = 0x05
	recStrName  = 0x06
	recEndStr   = 0x07
	recBoundary = 0x08
	recPath     = 0x09
	recSRef     = 0x0A
	recARef     = 0x0B
	recText     = 0x0C
	recLayer    = 0x0D
	recDatatype = 0x0E
	recWidth    = 0x0F
	recXY       = 0x10
	recEndEl    = 0x11
	recSName    = 0x12
	recColRow   = 0x13
	recNode     = 0x15
	recTextType = 0x16
	recSTrans   = 0x1A
	recMag      = 0x1B
	recAngle    = 0x1C
	recBox      = 0x2D
	recBoxType  = 0x2E
)

// record は1レコード分のデータ
type record struct {
	kind byte
	data []byte
}

// readRecord は次のレコードを読む
func readRecord(r io.Reader) (record, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return record{}, err
	}

	size := int(binary.BigEndian.Uint16(head[:2]))
	if size < 4 {
		return record{}, fmt.Errorf("レコード長が不正です: %d", size)
	}

	data := make([]byte, size-4)
	if _, err := io.ReadFull(r, data); err != nil {
		return record{}, fmt.Errorf("レコード 0x%02x の途中で終端しました: %w", head[2], err)
	}
	return record{kind: head[2], data: data}, nil
}

func (r record) int16s() []int16 {
	out := make([]int16, len(r.data)/2)
	for i := range out {
		out[i] = int16(binary.BigEndian.Uint16(r.data[2*i:]))
	}
	return out
}

func (r record) int32s() []int32 {
	out := make([]int32, len(r.data)/4)
	for i := range out {
		out[i] = int32(binary.BigEndian.Uint32(r.data[4*i:]))
	}
	return out
}

func (r record) reals() []float64 {
	out := make([]float64, len(r.data)/8)
	for i := range out {
		out[i] = decodeReal(binary.BigEndian.Uint64(r.data[8*i:]))
	}
	return out
}

func (r record) str() string {
	b := r.data
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}

// decodeReal は GDSII の8バイト実数（excess-64, 基数16）を変換する
func decodeReal(v uint64) float64 {
	if v&0x7fffffffffffffff == 0 {
		return 0
	}
	sign := 1.0
	if v>>63 == 1 {
		sign = -1
	}
	exp := int((v>>56)&0x7f) - 64
	mantissa := float64(v&0x00ffffffffffffff) / (1 << 56)
	return sign * mantissa * math.Pow(16, float64(exp))
}

// encodeReal は decodeReal の逆変換（テスト用のストリーム生成に使う）
func encodeReal(f float64) uint64 {
	if f == 0 {
		return 0
	}
	var sign uint64
	if f < 0 {
		sign = 1 << 63
		f = -f
	}
	exp := 0
	for f >= 1 {
		f /= 16
		exp++
	}
	for f < 1.0/16 {
		f *= 16
		exp--
	}
	mantissa := uint64(f * (1 << 56))
	return sign | uint64(exp+64)<<56 | mantissa
}

var errNoHeader = errors.New("GDSII ヘッダーがありません")

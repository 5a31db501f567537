package viewsync

import (
	"bytes"
	"fmt"
	"math"

	"github.com/goccy/go-json"

	"kweb/internal/layout"
	"kweb/internal/viewer"
)

// メッセージ種別
const (
	TypeViewportUpdate = "viewport_update"
	TypeZoomFit        = "zoom_fit"
	TypeTile           = "tile"
	TypeError          = "error"
	TypeMetadata       = "metadata"
)

// エラーコード
const (
	CodeMalformedMessage = "malformed_message"
	CodeRenderFailed     = "render_failed"
)

// MalformedMessageError は受信メッセージが不正であることを表す
type MalformedMessageError struct {
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return "不正なメッセージ: " + e.Reason
}

// Code はチャンネル用のエラーコードを返す
func (e *MalformedMessageError) Code() string { return CodeMalformedMessage }

func malformed(format string, args ...any) error {
	return &MalformedMessageError{Reason: fmt.Sprintf(format, args...)}
}

// Inbound はデコード済みの受信メッセージ
type Inbound struct {
	Type   string
	Update viewer.Update // TypeViewportUpdate のときだけ有効
}

// wireInbound は受信メッセージの JSON 表現
type wireInbound struct {
	Type   string               `json:"type"`
	BBox   *layout.Box          `json:"bbox"`
	Zoom   *float64             `json:"zoom"`
	Layers []viewer.LayerToggle `json:"layers"`
}

// DecodeInbound は受信メッセージをデコードする
//
// 不正な入力には *MalformedMessageError を返す。
func DecodeInbound(data []byte) (Inbound, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Inbound{}, malformed("空のメッセージ")
	}

	var w wireInbound
	if err := json.Unmarshal(data, &w); err != nil {
		return Inbound{}, malformed("JSON を解析できません: %v", err)
	}

	switch w.Type {
	case TypeViewportUpdate:
		if w.BBox == nil {
			return Inbound{}, malformed("bbox がありません")
		}
		if w.Zoom == nil {
			return Inbound{}, malformed("zoom がありません")
		}
		if math.IsNaN(*w.Zoom) || math.IsInf(*w.Zoom, 0) {
			return Inbound{}, malformed("zoom が有限ではありません")
		}
		for i, l := range w.Layers {
			if l.Name == "" {
				return Inbound{}, malformed("layers[%d] の name が空です", i)
			}
		}
		return Inbound{
			Type: TypeViewportUpdate,
			Update: viewer.Update{
				BBox:   *w.BBox,
				Zoom:   *w.Zoom,
				Layers: w.Layers,
			},
		}, nil

	case TypeZoomFit:
		return Inbound{Type: TypeZoomFit}, nil

	case "":
		return Inbound{}, malformed("type がありません")

	default:
		return Inbound{}, malformed("未知の type: %q", w.Type)
	}
}

// TileMessage は描画結果の送信メッセージ
type TileMessage struct {
	Type    string     `json:"type"`
	Seq     uint64     `json:"seq"`
	BBox    layout.Box `json:"bbox"`
	Zoom    float64    `json:"zoom"`
	Format  string     `json:"format"`
	Width   int        `json:"width"`
	Height  int        `json:"height"`
	Payload []byte     `json:"payload"`
}

// NewTileMessage は描画結果から送信メッセージを作る
func NewTileMessage(seq uint64, vp layout.Viewport, tile layout.Tile) TileMessage {
	return TileMessage{
		Type:    TypeTile,
		Seq:     seq,
		BBox:    vp.BBox,
		Zoom:    vp.Zoom,
		Format:  tile.Format,
		Width:   tile.Width,
		Height:  tile.Height,
		Payload: tile.Data,
	}
}

// ErrorMessage はエラーの送信メッセージ
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Seq     uint64 `json:"seq,omitempty"`
}

// NewErrorMessage はエラーメッセージを作る
func NewErrorMessage(code, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: code, Message: message}
}

// MetadataMessage は接続直後に送るレイアウト情報
type MetadataMessage struct {
	Type      string              `json:"type"`
	SessionID string              `json:"session_id"`
	BBox      layout.Box          `json:"bbox"`
	Layers    []viewer.LayerState `json:"layers"`
	Style     string              `json:"style,omitempty"`
}

// NewMetadataMessage はセッションの初期状態からメッセージを作る
func NewMetadataMessage(s *viewer.Session, style string) MetadataMessage {
	return MetadataMessage{
		Type:      TypeMetadata,
		SessionID: s.ID(),
		BBox:      s.Bounds(),
		Layers:    s.State().Layers,
		Style:     style,
	}
}

// Encode は送信メッセージを JSON にする
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("メッセージのエンコードに失敗: %w", err)
	}
	return data, nil
}

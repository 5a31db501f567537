package viewsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kweb/internal/channel"
	"kweb/internal/layout"
	"kweb/internal/logger"
	"kweb/internal/render"
	"kweb/internal/viewer"
)

const chipPath = "/layouts/chip_top.gds"

var chipBounds = layout.Box{X0: 0, Y0: 0, X1: 1000, Y1: 1000}

// outbound はクライアント側で受け取る送信メッセージ
type outbound struct {
	Type      string              `json:"type"`
	Seq       uint64              `json:"seq"`
	Code      string              `json:"code"`
	BBox      layout.Box          `json:"bbox"`
	Zoom      float64             `json:"zoom"`
	SessionID string              `json:"session_id"`
	Layers    []viewer.LayerState `json:"layers"`
	Style     string              `json:"style"`
}

type fixture struct {
	engine *Engine
	mock   *layout.MockEngine
	client *channel.Pipe
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mock := layout.NewMockEngine()
	mock.AddLayout(chipPath, layout.MockLayout{
		Bounds: chipBounds,
		Layers: []layout.LayerInfo{{Name: "1/0", Layer: 1}, {Name: "2/0", Layer: 2}},
	})
	cache := layout.NewCache(mock, logger.Nop())
	h, err := cache.Acquire(context.Background(), chipPath)
	require.NoError(t, err)

	server, client := channel.NewPipe()
	session := viewer.NewSession(h, viewer.DefaultLimits())
	pool := render.NewPool(render.Config{Workers: 4, TileWidth: 64, TileHeight: 64}, logger.Nop())
	engine := NewEngine(session, pool, server, logger.Nop())

	t.Cleanup(func() {
		_ = server.Close()
		engine.Close()
		_ = cache.Release(h)
	})

	return &fixture{engine: engine, mock: mock, client: client}
}

func update(x0, y0, x1, y1, zoom float64) []byte {
	return []byte(fmt.Sprintf(`{"type":"viewport_update","bbox":[%g,%g,%g,%g],"zoom":%g}`, x0, y0, x1, y1, zoom))
}

func (f *fixture) next(t *testing.T) outbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, err := f.client.Receive(ctx)
	require.NoError(t, err)

	var msg outbound
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func (f *fixture) expectSilence(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	data, err := f.client.Receive(ctx)
	if err == nil {
		t.Fatalf("予期しないメッセージを受信しました: %s", data)
	}
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.engine.State() == StateIdle
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_SingleUpdate(t *testing.T) {
	f := newFixture(t)
	f.mock.SetBlockRender(true)

	assert.Equal(t, StateIdle, f.engine.State())
	require.NoError(t, f.engine.HandleMessage(update(0, 0, 100, 100, 1)))
	assert.Equal(t, StateRendering, f.engine.State())

	<-f.mock.RenderStarted()
	f.mock.ReleaseRender()

	msg := f.next(t)
	assert.Equal(t, TypeTile, msg.Type)
	assert.Equal(t, uint64(1), msg.Seq)
	assert.Equal(t, layout.Box{X1: 100, Y1: 100}, msg.BBox)
	assert.Equal(t, 1.0, msg.Zoom)

	f.waitIdle(t)
	assert.False(t, f.engine.Pending())
	assert.Len(t, f.mock.Renders(), 1)
}

func TestEngine_CoalescesUpdatesWhileRendering(t *testing.T) {
	f := newFixture(t)
	f.mock.SetBlockRender(true)

	require.NoError(t, f.engine.HandleMessage(update(0, 0, 100, 100, 1)))
	<-f.mock.RenderStarted()

	require.NoError(t, f.engine.HandleMessage(update(10, 10, 200, 200, 2)))
	require.NoError(t, f.engine.HandleMessage(update(20, 20, 300, 300, 3)))

	assert.Equal(t, StateRendering, f.engine.State())
	assert.True(t, f.engine.Pending())
	assert.Len(t, f.mock.Renders(), 1)

	// 状態は描画を待たずに最新になっている
	assert.Equal(t, layout.Box{X0: 20, Y0: 20, X1: 300, Y1: 300}, f.engine.Snapshot().Viewport.BBox)

	f.mock.ReleaseRender()
	first := f.next(t)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, layout.Box{X1: 100, Y1: 100}, first.BBox)

	req := <-f.mock.RenderStarted()
	assert.Equal(t, layout.Box{X0: 20, Y0: 20, X1: 300, Y1: 300}, req.Viewport.BBox)
	f.mock.ReleaseRender()

	second := f.next(t)
	assert.Equal(t, TypeTile, second.Type)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, layout.Box{X0: 20, Y0: 20, X1: 300, Y1: 300}, second.BBox)
	assert.Equal(t, 3.0, second.Zoom)

	f.waitIdle(t)
	f.expectSilence(t)
	assert.Len(t, f.mock.Renders(), 2)
}

func TestEngine_ConvergesUnderRapidUpdates(t *testing.T) {
	f := newFixture(t)

	const n = 50
	for i := 1; i <= n; i++ {
		v := float64(i)
		require.NoError(t, f.engine.HandleMessage(update(0, 0, v*10, v*10, v)))
	}
	f.waitIdle(t)

	var tiles []outbound
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		data, err := f.client.Receive(ctx)
		cancel()
		if err != nil {
			break
		}
		var msg outbound
		require.NoError(t, json.Unmarshal(data, &msg))
		tiles = append(tiles, msg)
	}

	require.NotEmpty(t, tiles)
	for i := 1; i < len(tiles); i++ {
		assert.Greater(t, tiles[i].Seq, tiles[i-1].Seq, "seq は単調増加でなければならない")
	}

	last := tiles[len(tiles)-1]
	assert.Equal(t, layout.Box{X1: n * 10, Y1: n * 10}, last.BBox)
	assert.Equal(t, float64(n), last.Zoom)
	assert.LessOrEqual(t, len(f.mock.Renders()), n)
}

func TestEngine_MalformedMessage(t *testing.T) {
	inputs := []string{
		`not json`,
		`{"type":"viewport_update"}`,
		`{"type":"viewport_update","bbox":[0,0],"zoom":1}`,
		`{"type":"unknown"}`,
		`{"type":"viewport_update","bbox":[0,0,10,10],"zoom":"big"}`,
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			f := newFixture(t)
			before := f.engine.Snapshot()

			require.NoError(t, f.engine.HandleMessage([]byte(input)))

			msg := f.next(t)
			assert.Equal(t, TypeError, msg.Type)
			assert.Equal(t, CodeMalformedMessage, msg.Code)

			assert.Equal(t, before, f.engine.Snapshot())
			assert.Equal(t, StateIdle, f.engine.State())
			assert.Empty(t, f.mock.Renders())
		})
	}
}

func TestEngine_MalformedDoesNotDisturbRendering(t *testing.T) {
	f := newFixture(t)
	f.mock.SetBlockRender(true)

	require.NoError(t, f.engine.HandleMessage(update(0, 0, 100, 100, 1)))
	<-f.mock.RenderStarted()

	require.NoError(t, f.engine.HandleMessage([]byte(`{"type":`)))
	assert.Equal(t, StateRendering, f.engine.State())
	assert.False(t, f.engine.Pending())

	msg := f.next(t)
	assert.Equal(t, CodeMalformedMessage, msg.Code)

	f.mock.ReleaseRender()
	tile := f.next(t)
	assert.Equal(t, uint64(1), tile.Seq)
	f.waitIdle(t)
}

func TestEngine_ZoomFit(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.engine.HandleMessage(update(0, 0, 10, 10, 50)))
	assert.Equal(t, uint64(1), f.next(t).Seq)
	f.waitIdle(t)

	require.NoError(t, f.engine.HandleMessage([]byte(`{"type":"zoom_fit"}`)))
	msg := f.next(t)
	assert.Equal(t, uint64(2), msg.Seq)
	assert.Equal(t, chipBounds, msg.BBox)
	assert.Equal(t, 1.0, msg.Zoom)
}

func TestEngine_LayerToggleAffectsRender(t *testing.T) {
	f := newFixture(t)

	msg := `{"type":"viewport_update","bbox":[0,0,10,10],"zoom":1,"layers":[{"name":"2/0","visible":false}]}`
	require.NoError(t, f.engine.HandleMessage([]byte(msg)))
	f.next(t)

	renders := f.mock.Renders()
	require.Len(t, renders, 1)
	assert.Equal(t, []string{"1/0"}, renders[0].Layers)
}

func TestEngine_RenderFailure(t *testing.T) {
	f := newFixture(t)
	f.mock.SetFailRender(true)

	require.NoError(t, f.engine.HandleMessage(update(0, 0, 100, 100, 1)))

	msg := f.next(t)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, CodeRenderFailed, msg.Code)
	assert.Equal(t, uint64(1), msg.Seq)
	f.waitIdle(t)

	// 失敗後も次の更新は処理される
	f.mock.SetFailRender(false)
	require.NoError(t, f.engine.HandleMessage(update(0, 0, 50, 50, 1)))
	assert.Equal(t, uint64(2), f.next(t).Seq)
}

func TestEngine_CloseCancelsInFlightRender(t *testing.T) {
	f := newFixture(t)
	f.mock.SetBlockRender(true)

	require.NoError(t, f.engine.HandleMessage(update(0, 0, 100, 100, 1)))
	<-f.mock.RenderStarted()

	f.engine.Close()
	assert.Equal(t, StateTerminated, f.engine.State())
	f.expectSilence(t)

	// TERMINATED は吸収状態
	assert.ErrorIs(t, f.engine.HandleMessage(update(0, 0, 10, 10, 1)), ErrTerminated)
	assert.ErrorIs(t, f.engine.SendMetadata(""), ErrTerminated)
	assert.Equal(t, StateTerminated, f.engine.State())
	assert.Len(t, f.mock.Renders(), 1)

	f.engine.Close()
}

// stubbornRenderer はコンテキストを無視して release まで待つ
type stubbornRenderer struct {
	started chan struct{}
	release chan struct{}
}

func (r *stubbornRenderer) Render(_ context.Context, _ viewer.RenderJob) (layout.Tile, error) {
	close(r.started)
	<-r.release
	return layout.Tile{Format: "stub"}, nil
}

func TestEngine_DiscardsResultAfterTerminate(t *testing.T) {
	mock := layout.NewMockEngine()
	mock.AddLayout(chipPath, layout.MockLayout{Bounds: chipBounds})
	cache := layout.NewCache(mock, logger.Nop())
	h, err := cache.Acquire(context.Background(), chipPath)
	require.NoError(t, err)

	server, client := channel.NewPipe()
	r := &stubbornRenderer{started: make(chan struct{}), release: make(chan struct{})}
	engine := NewEngine(viewer.NewSession(h, viewer.DefaultLimits()), r, server, logger.Nop())

	require.NoError(t, engine.HandleMessage(update(0, 0, 100, 100, 1)))
	<-r.started

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(r.release)
	}()
	engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Receive(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "終了後に描画結果が送信されました")
}

func TestEngine_SendMetadata(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.engine.SendMetadata("default.lyp"))
	msg := f.next(t)

	assert.Equal(t, TypeMetadata, msg.Type)
	assert.NotEmpty(t, msg.SessionID)
	assert.Equal(t, chipBounds, msg.BBox)
	assert.Equal(t, []viewer.LayerState{{Name: "1/0", Visible: true}, {Name: "2/0", Visible: true}}, msg.Layers)
	assert.Equal(t, "default.lyp", msg.Style)
}

func TestEngine_SendFailureEndsLoop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.Close())

	err := f.engine.HandleMessage([]byte(`garbage`))
	assert.ErrorIs(t, err, channel.ErrClosed)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "RENDERING", StateRendering.String())
	assert.Equal(t, "TERMINATED", StateTerminated.String())
}

// Package render は描画ジョブを実行するワーカープールを提供する
//
// 全セッションの描画を同時実行数の上限つきで実行する。
// 遅い描画がセッションの受信ループを止めないよう、呼び出し側は
// Render を別ゴルーチンから呼ぶ。
package render

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"kweb/internal/layout"
	"kweb/internal/logger"
	"kweb/internal/viewer"
)

// Config は描画プールの設定
type Config struct {
	Workers    int           // 同時に実行する描画の最大数
	Timeout    time.Duration // 1ジョブあたりのタイムアウト（0 で無制限）
	TileWidth  int           // タイル幅 (px)
	TileHeight int           // タイル高さ (px)
}

// Pool は描画ジョブを実行する
type Pool struct {
	cfg Config
	sem *semaphore.Weighted
	log logger.Logger
}

// NewPool は新しい Pool を作成する
func NewPool(cfg Config, log logger.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Pool{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.Workers)),
		log: log.With(logger.F("component", "render_pool")),
	}
}

// Render はジョブを描画する。空きワーカーが出るまで待つ
func (p *Pool) Render(ctx context.Context, job viewer.RenderJob) (layout.Tile, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return layout.Tile{}, err
	}
	defer p.sem.Release(1)

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	tile, err := job.Handle.Document().Render(ctx, layout.RenderRequest{
		Viewport: job.Viewport,
		Layers:   job.Layers,
		Width:    p.cfg.TileWidth,
		Height:   p.cfg.TileHeight,
	})
	if err != nil {
		return layout.Tile{}, fmt.Errorf("seq %d の描画に失敗: %w", job.Seq, err)
	}

	p.log.Debug("描画しました",
		logger.F("session_id", job.SessionID),
		logger.F("seq", job.Seq),
		logger.F("elapsed_ms", time.Since(start).Milliseconds()),
	)
	return tile, nil
}

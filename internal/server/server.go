package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"kweb/internal/config"
	"kweb/internal/connection"
	"kweb/internal/generated"
	"kweb/internal/layout"
	"kweb/internal/logger"
	"kweb/internal/render"
	"kweb/internal/viewer"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	log        logger.Logger
	httpServer *http.Server
	router     *gin.Engine
	cache      *layout.Cache
	manager    *connection.Manager

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{} // リッスン開始で close される
}

// New は新しいServerインスタンスを作成する
//
// engine はレイアウトファイルを開くエンジン。
func New(cfg *config.Config, engine layout.Engine, log logger.Logger) (*Server, error) {
	log = log.With(logger.F("component", "server"))

	resolver := layout.NewResolver(cfg.Layout.Root)
	cache := layout.NewCache(engine, log)
	catalog := layout.NewCatalog(resolver.Root(), cfg.Layout.CatalogTTL)
	pool := render.NewPool(render.Config{
		Workers:    cfg.Render.Workers,
		Timeout:    cfg.Render.Timeout,
		TileWidth:  cfg.Render.TileWidth,
		TileHeight: cfg.Render.TileHeight,
	}, log)
	limits := viewer.Limits{MinZoom: cfg.View.MinZoom, MaxZoom: cfg.View.MaxZoom}
	manager := connection.NewManager(resolver, cache, pool, limits, log)

	handler := &ViewerHandler{
		config:   cfg,
		resolver: resolver,
		catalog:  catalog,
		cache:    cache,
		manager:  manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
		},
		log: log,
	}

	router, err := newRouter(handler, log)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:  cfg,
		log:     log,
		router:  router,
		cache:   cache,
		manager: manager,
		ready:   make(chan struct{}),
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
	return s, nil
}

// newRouter はHTTPルートを設定したルーターを作成する
func newRouter(h *ViewerHandler, log logger.Logger) (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	tmpl, err := loadTemplates()
	if err != nil {
		return nil, fmt.Errorf("テンプレートの読み込みに失敗: %w", err)
	}
	router.SetHTMLTemplate(tmpl)

	staticFS, err := GetStaticFS()
	if err != nil {
		return nil, fmt.Errorf("埋め込み静的ファイルシステムの作成に失敗: %w", err)
	}

	// OpenAPI で定義したエンドポイント
	generated.RegisterHandlersWithOptions(router, h, generated.GinServerOptions{
		ErrorHandler: func(c *gin.Context, err error, status int) {
			h.errorJSON(c, status, "invalid_parameter", "パラメータが不正です", err)
		},
	})

	// ルートハンドラ（一覧）
	router.GET("/", h.GetIndex)
	router.GET("/gds_files/*filepath", h.GetLayoutFile)
	router.GET("/api/openapi.json", h.GetOpenAPI)
	router.StaticFS("/static", staticFS)

	return router, nil
}

// requestLogger はリクエストごとにアクセスログを出す
func requestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info("リクエスト",
			logger.F("method", c.Request.Method),
			logger.F("path", c.Request.URL.Path),
			logger.F("status", c.Writer.Status()),
			logger.F("latency_ms", time.Since(start).Milliseconds()),
			logger.F("client_ip", c.ClientIP()),
		)
	}
}

// Handler はルーターを http.Handler として返す
func (s *Server) Handler() http.Handler {
	return s.router
}

// Manager はセッションマネージャーを返す
func (s *Server) Manager() *connection.Manager {
	return s.manager
}

// Addr はリッスン中のアドレスを返す。リッスン前は空文字
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Ready はリッスンを開始したら閉じるチャンネルを返す
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Start はサーバーを起動する
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ServerAddress())
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.log.Info("HTTPサーバーを起動しています",
			logger.F("addr", ln.Addr().String()),
			logger.F("layout_root", s.config.Layout.Root),
			logger.F("version", Version),
		)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.log.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.log.Info("シグナルを受信しました", logger.F("signal", sig.String()))
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
//
// 新規リクエストを止め、全セッションのチャンネルを閉じて終了を待ち、
// 最後にキャッシュ中のレイアウトを閉じる。終了待ちがタイムアウトした場合、
// 参照中のレイアウトは各セッションの解放時に閉じられる。
func (s *Server) Shutdown() error {
	s.log.Info("サーバーをシャットダウンしています...")

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error

	// WebSocket はハイジャック済みなので http.Server.Shutdown は待たない
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTPサーバーの停止に失敗: %w", err))
	}

	s.manager.CloseAll()
	if err := s.manager.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("セッションの終了待ちに失敗: %w", err))
	}

	if err := s.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("レイアウトキャッシュのクローズに失敗: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", errors.Join(errs...))
	}

	s.log.Info("サーバーが正常にシャットダウンされました")
	return nil
}

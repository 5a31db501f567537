package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"kweb/internal/channel"
	"kweb/internal/config"
	"kweb/internal/connection"
	"kweb/internal/generated"
	"kweb/internal/layout"
	"kweb/internal/logger"
)

// Version はビルド時に -ldflags で埋め込まれる
var Version = "dev"

// ViewerHandler は生成されたServerInterfaceを実装する
type ViewerHandler struct {
	config   *config.Config
	resolver *layout.Resolver
	catalog  *layout.Catalog
	cache    *layout.Cache
	manager  *connection.Manager
	upgrader websocket.Upgrader
	log      logger.Logger
}

// indexPage は一覧ページのテンプレートに渡す値
type indexPage struct {
	Root    string
	Layouts []generated.LayoutInfo
}

// viewerPage はビューアページのテンプレートに渡す値
type viewerPage struct {
	Name    string
	Style   string
	WSPath  string
	FileURL string
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *ViewerHandler) HealthCheck(c *gin.Context) {
	response := generated.HealthResponse{
		Status:    generated.Healthy,
		Timestamp: time.Now(),
	}

	c.JSON(http.StatusOK, response)
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *ViewerHandler) GetStatus(c *gin.Context) {
	active := h.manager.Active()
	sessions := make([]generated.SessionInfo, 0, len(active))
	for _, s := range active {
		sessions = append(sessions, generated.SessionInfo{
			Id:         s.ID,
			Identifier: s.Identifier,
			RemoteAddr: s.RemoteAddr,
			StartedAt:  s.StartedAt,
			State:      generated.SessionInfoState(s.State),
		})
	}

	response := generated.StatusResponse{
		Status: generated.Running,
		Server: generated.ServerInfo{
			Host: h.config.Server.Host,
			Port: h.config.Server.Port,
		},
		Version:        Version,
		ActiveSessions: len(active),
		CachedLayouts:  len(h.cache.Stats()),
		Sessions:       &sessions,
		Timestamp:      time.Now(),
	}

	c.JSON(http.StatusOK, response)
}

// GetLayouts はレイアウト一覧取得エンドポイントの実装
func (h *ViewerHandler) GetLayouts(c *gin.Context) {
	layouts, err := h.listLayouts(c)
	if err != nil {
		h.errorJSON(c, http.StatusInternalServerError, "list_failed", "レイアウト一覧を取得できません", err)
		return
	}

	c.JSON(http.StatusOK, generated.LayoutsResponse{Layouts: layouts})
}

// GetIndex はルートパスのハンドラ。Accept に応じて HTML か JSON を返す
func (h *ViewerHandler) GetIndex(c *gin.Context) {
	layouts, err := h.listLayouts(c)
	if err != nil {
		h.errorJSON(c, http.StatusInternalServerError, "list_failed", "レイアウト一覧を取得できません", err)
		return
	}

	switch c.NegotiateFormat(gin.MIMEHTML, gin.MIMEJSON) {
	case gin.MIMEJSON:
		c.JSON(http.StatusOK, generated.LayoutsResponse{Layouts: layouts})
	default:
		c.HTML(http.StatusOK, "index.html", indexPage{Root: h.resolver.Root(), Layouts: layouts})
	}
}

// GetViewer はビューアページの実装
func (h *ViewerHandler) GetViewer(c *gin.Context, name generated.LayoutName, params generated.GetViewerParams) {
	path, ok := h.resolveExisting(c, name)
	if !ok {
		return
	}

	id := layout.Identifier(name)
	page := viewerPage{
		Name:    id,
		WSPath:  "/gds/" + url.PathEscape(id) + "/ws",
		FileURL: "/gds_files/" + url.PathEscape(id+layout.Extension),
	}
	if params.Style != nil {
		page.Style = *params.Style
	}

	h.log.Debug("ビューアページを返します", logger.F("path", path))
	c.HTML(http.StatusOK, "viewer.html", page)
}

// GetViewerWebSocket は表示同期チャンネルの実装
//
// アップグレード後はチャンネルが閉じるまでこのハンドラが戻らない。
func (h *ViewerHandler) GetViewerWebSocket(c *gin.Context, name generated.LayoutName, params generated.GetViewerWebSocketParams) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		h.errorJSON(c, http.StatusBadRequest, "websocket_required", "WebSocket ハンドシェイクが必要です", nil)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade がエラーレスポンスを書き込み済み
		h.log.Warn("WebSocket へのアップグレードに失敗しました", logger.Err(err))
		return
	}

	ch := channel.NewWebSocket(conn, channel.WebSocketConfig{
		PingInterval:    h.config.Channel.PingInterval,
		WriteTimeout:    h.config.Channel.WriteTimeout,
		MaxMessageBytes: h.config.Channel.MaxMessageBytes,
	})

	opts := connection.Options{}
	if params.Style != nil {
		opts.Style = *params.Style
	}

	// 識別子の検証やファイルの有無は Handle がチャンネル上で報告する
	if err := h.manager.Handle(c.Request.Context(), ch, name, opts); err != nil {
		h.log.Debug("セッションがエラーで終了しました", logger.F("identifier", name), logger.Err(err))
	}
}

// GetLayoutFile はレイアウトファイルそのものを返す
func (h *ViewerHandler) GetLayoutFile(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("filepath"), "/")
	path, ok := h.resolveExisting(c, name)
	if !ok {
		return
	}

	c.FileAttachment(path, layout.Identifier(name)+layout.Extension)
}

// GetOpenAPI は OpenAPI 定義を JSON で返す
func (h *ViewerHandler) GetOpenAPI(c *gin.Context) {
	swagger, err := generated.GetSwagger()
	if err != nil {
		h.errorJSON(c, http.StatusInternalServerError, "openapi_unavailable", "OpenAPI 定義を読み込めません", err)
		return
	}
	c.JSON(http.StatusOK, swagger)
}

// ヘルパー関数

// resolveExisting は識別子を解決し、ファイルが存在すればパスを返す
// 失敗時はエラーレスポンスを書き込んで false を返す
func (h *ViewerHandler) resolveExisting(c *gin.Context, name string) (string, bool) {
	path, err := h.resolver.Resolve(name)
	if err != nil {
		var ierr *layout.InvalidIdentifierError
		if errors.As(err, &ierr) {
			h.errorJSON(c, http.StatusBadRequest, ierr.Code(), "不正なレイアウト識別子です", err)
			return "", false
		}
		h.errorJSON(c, http.StatusInternalServerError, "internal_error", "識別子を解決できません", err)
		return "", false
	}

	exists, err := h.catalog.Exists(path)
	if err != nil {
		h.errorJSON(c, http.StatusInternalServerError, "internal_error", "レイアウトファイルを確認できません", err)
		return "", false
	}
	if !exists {
		nf := &layout.NotFoundError{Path: path}
		h.errorJSON(c, http.StatusNotFound, nf.Code(), "レイアウトファイルが見つかりません", nil)
		return "", false
	}

	return path, true
}

// listLayouts はカタログを API のスキーマに変換する
func (h *ViewerHandler) listLayouts(c *gin.Context) ([]generated.LayoutInfo, error) {
	entries, err := h.catalog.List(c.Request.Context())
	if err != nil {
		return nil, err
	}

	layouts := make([]generated.LayoutInfo, 0, len(entries))
	for _, e := range entries {
		layouts = append(layouts, generated.LayoutInfo{
			Id:        e.Identifier,
			Size:      e.Size,
			ModTime:   e.ModTime,
			ViewerUrl: "/gds/" + url.PathEscape(e.Identifier),
		})
	}
	return layouts, nil
}

// errorJSON はエラーレスポンスを返す
func (h *ViewerHandler) errorJSON(c *gin.Context, status int, code, message string, err error) {
	response := generated.ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	}
	if err != nil {
		response.Details = stringPtr(err.Error())
		if status >= http.StatusInternalServerError {
			h.log.Error(message, logger.Err(err))
		}
	}
	c.JSON(status, response)
}

// stringPtr は文字列のポインタを返すヘルパー関数
func stringPtr(s string) *string {
	return &s
}

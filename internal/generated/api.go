// Package generated は openapi.yaml に対応する型と gin 用のルーティングを提供する
//
// 型とラッパーの形は oapi-codegen の gin-server 出力に合わせている。
// openapi.yaml を変更したらここも合わせて更新すること。
package generated

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oapi-codegen/runtime"
)

// Defines values for HealthResponseStatus.
const (
	Healthy HealthResponseStatus = "healthy"
)

// Defines values for StatusResponseStatus.
const (
	Running StatusResponseStatus = "running"
)

// Defines values for SessionInfoState.
const (
	IDLE       SessionInfoState = "IDLE"
	RENDERING  SessionInfoState = "RENDERING"
	TERMINATED SessionInfoState = "TERMINATED"
)

// ErrorResponse defines model for ErrorResponse.
type ErrorResponse struct {
	Details   *string   `json:"details,omitempty"`
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse defines model for HealthResponse.
type HealthResponse struct {
	Status    HealthResponseStatus `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
}

// HealthResponseStatus defines model for HealthResponse.Status.
type HealthResponseStatus string

// LayoutInfo defines model for LayoutInfo.
type LayoutInfo struct {
	Id        string    `json:"id"`
	ModTime   time.Time `json:"mod_time"`
	Size      int64     `json:"size"`
	ViewerUrl string    `json:"viewer_url"`
}

// LayoutsResponse defines model for LayoutsResponse.
type LayoutsResponse struct {
	Layouts []LayoutInfo `json:"layouts"`
}

// ServerInfo defines model for ServerInfo.
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// SessionInfo defines model for SessionInfo.
type SessionInfo struct {
	Id         string           `json:"id"`
	Identifier string           `json:"identifier"`
	RemoteAddr string           `json:"remote_addr"`
	StartedAt  time.Time        `json:"started_at"`
	State      SessionInfoState `json:"state"`
}

// SessionInfoState defines model for SessionInfo.State.
type SessionInfoState string

// StatusResponse defines model for StatusResponse.
type StatusResponse struct {
	ActiveSessions int                  `json:"active_sessions"`
	CachedLayouts  int                  `json:"cached_layouts"`
	Server         ServerInfo           `json:"server"`
	Sessions       *[]SessionInfo       `json:"sessions,omitempty"`
	Status         StatusResponseStatus `json:"status"`
	Timestamp      time.Time            `json:"timestamp"`
	Version        string               `json:"version"`
}

// StatusResponseStatus defines model for StatusResponse.Status.
type StatusResponseStatus string

// LayoutName defines model for LayoutName.
type LayoutName = string

// Style defines model for Style.
type Style = string

// GetViewerParams defines parameters for GetViewer.
type GetViewerParams struct {
	// Style レイヤースタイルの参照
	Style *Style `form:"style,omitempty" json:"style,omitempty"`
}

// GetViewerWebSocketParams defines parameters for GetViewerWebSocket.
type GetViewerWebSocketParams struct {
	// Style レイヤースタイルの参照
	Style *Style `form:"style,omitempty" json:"style,omitempty"`
}

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// レイアウトファイルの一覧
	// (GET /api/layouts)
	GetLayouts(c *gin.Context)
	// サーバーの状態
	// (GET /api/status)
	GetStatus(c *gin.Context)
	// ビューアページ
	// (GET /gds/{name})
	GetViewer(c *gin.Context, name LayoutName, params GetViewerParams)
	// 表示同期チャンネル（WebSocket）
	// (GET /gds/{name}/ws)
	GetViewerWebSocket(c *gin.Context, name LayoutName, params GetViewerWebSocketParams)
	// ヘルスチェック
	// (GET /health)
	HealthCheck(c *gin.Context)
}

// ServerInterfaceWrapper converts contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler            ServerInterface
	HandlerMiddlewares []MiddlewareFunc
	ErrorHandler       func(*gin.Context, error, int)
}

type MiddlewareFunc func(c *gin.Context)

// GetLayouts operation middleware
func (siw *ServerInterfaceWrapper) GetLayouts(c *gin.Context) {
	for _, middleware := range siw.HandlerMiddlewares {
		middleware(c)
		if c.IsAborted() {
			return
		}
	}

	siw.Handler.GetLayouts(c)
}

// GetStatus operation middleware
func (siw *ServerInterfaceWrapper) GetStatus(c *gin.Context) {
	for _, middleware := range siw.HandlerMiddlewares {
		middleware(c)
		if c.IsAborted() {
			return
		}
	}

	siw.Handler.GetStatus(c)
}

// GetViewer operation middleware
func (siw *ServerInterfaceWrapper) GetViewer(c *gin.Context) {
	var err error

	// ------------- Path parameter "name" -------------
	var name LayoutName

	err = runtime.BindStyledParameterWithOptions("simple", "name", c.Param("name"), &name, runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		siw.ErrorHandler(c, fmt.Errorf("Invalid format for parameter name: %w", err), http.StatusBadRequest)
		return
	}

	// Parameter object where we will unmarshal all parameters from the context
	var params GetViewerParams

	// ------------- Optional query parameter "style" -------------

	err = runtime.BindQueryParameter("form", true, false, "style", c.Request.URL.Query(), &params.Style)
	if err != nil {
		siw.ErrorHandler(c, fmt.Errorf("Invalid format for parameter style: %w", err), http.StatusBadRequest)
		return
	}

	for _, middleware := range siw.HandlerMiddlewares {
		middleware(c)
		if c.IsAborted() {
			return
		}
	}

	siw.Handler.GetViewer(c, name, params)
}

// GetViewerWebSocket operation middleware
func (siw *ServerInterfaceWrapper) GetViewerWebSocket(c *gin.Context) {
	var err error

	// ------------- Path parameter "name" -------------
	var name LayoutName

	err = runtime.BindStyledParameterWithOptions("simple", "name", c.Param("name"), &name, runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		siw.ErrorHandler(c, fmt.Errorf("Invalid format for parameter name: %w", err), http.StatusBadRequest)
		return
	}

	// Parameter object where we will unmarshal all parameters from the context
	var params GetViewerWebSocketParams

	// ------------- Optional query parameter "style" -------------

	err = runtime.BindQueryParameter("form", true, false, "style", c.Request.URL.Query(), &params.Style)
	if err != nil {
		siw.ErrorHandler(c, fmt.Errorf("Invalid format for parameter style: %w", err), http.StatusBadRequest)
		return
	}

	for _, middleware := range siw.HandlerMiddlewares {
		middleware(c)
		if c.IsAborted() {
			return
		}
	}

	siw.Handler.GetViewerWebSocket(c, name, params)
}

// HealthCheck operation middleware
func (siw *ServerInterfaceWrapper) HealthCheck(c *gin.Context) {
	for _, middleware := range siw.HandlerMiddlewares {
		middleware(c)
		if c.IsAborted() {
			return
		}
	}

	siw.Handler.HealthCheck(c)
}

// GinServerOptions provides options for the Gin server.
type GinServerOptions struct {
	BaseURL      string
	Middlewares  []MiddlewareFunc
	ErrorHandler func(*gin.Context, error, int)
}

// RegisterHandlers creates http.Handler with routing matching OpenAPI spec.
func RegisterHandlers(router gin.IRouter, si ServerInterface) {
	RegisterHandlersWithOptions(router, si, GinServerOptions{})
}

// RegisterHandlersWithOptions creates http.Handler with additional options
func RegisterHandlersWithOptions(router gin.IRouter, si ServerInterface, options GinServerOptions) {
	errorHandler := options.ErrorHandler
	if errorHandler == nil {
		errorHandler = func(c *gin.Context, err error, statusCode int) {
			c.JSON(statusCode, gin.H{"msg": err.Error()})
		}
	}

	wrapper := ServerInterfaceWrapper{
		Handler:            si,
		HandlerMiddlewares: options.Middlewares,
		ErrorHandler:       errorHandler,
	}

	router.GET(options.BaseURL+"/api/layouts", wrapper.GetLayouts)
	router.GET(options.BaseURL+"/api/status", wrapper.GetStatus)
	router.GET(options.BaseURL+"/gds/:name", wrapper.GetViewer)
	router.GET(options.BaseURL+"/gds/:name/ws", wrapper.GetViewerWebSocket)
	router.GET(options.BaseURL+"/health", wrapper.HealthCheck)
}

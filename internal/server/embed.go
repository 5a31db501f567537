package server

import (
	"embed"
	"html/template"
	"io/fs"
	"net/http"
)

//go:embed all:web
var embedFS embed.FS

// GetStaticFS は埋め込まれた静的ファイル（JS/CSS）を返す
func GetStaticFS() (http.FileSystem, error) {
	staticFS, err := fs.Sub(embedFS, "web/static")
	if err != nil {
		return nil, err
	}
	return http.FS(staticFS), nil
}

// loadTemplates は埋め込まれた HTML テンプレートを読み込む
func loadTemplates() (*template.Template, error) {
	return template.ParseFS(embedFS, "web/templates/*.html")
}

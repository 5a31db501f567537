package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Layout  LayoutConfig  `yaml:"layout"`
	Render  RenderConfig  `yaml:"render"`
	View    ViewConfig    `yaml:"view"`
	Channel ChannelConfig `yaml:"channel"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host" validate:"required"`        // リッスンするホスト
	Port int    `yaml:"port" validate:"min=0,max=65535"` // リッスンするポート番号（0 で自動割り当て）

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 書き込みタイムアウト
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // グレースフルシャットダウンの待ち時間
}

// LayoutConfig はレイアウトファイルの設定
type LayoutConfig struct {
	Root       string        `yaml:"root" validate:"required"`    // .gds ファイルを置くディレクトリ
	CatalogTTL time.Duration `yaml:"catalog_ttl"`                 // 一覧のキャッシュ期間
	MaxShapes  int           `yaml:"max_shapes" validate:"gte=0"` // 1ファイルから展開する矩形の上限（0 で既定値）
}

// RenderConfig は描画の設定
type RenderConfig struct {
	Workers    int           `yaml:"workers" validate:"min=1,max=256"`       // 同時描画数
	Timeout    time.Duration `yaml:"timeout"`                                // 1描画のタイムアウト（0 で無制限）
	TileWidth  int           `yaml:"tile_width" validate:"min=16,max=8192"`  // タイル幅 (px)
	TileHeight int           `yaml:"tile_height" validate:"min=16,max=8192"` // タイル高さ (px)
}

// ViewConfig はビューポートの設定
type ViewConfig struct {
	MinZoom float64 `yaml:"min_zoom" validate:"gt=0"`
	MaxZoom float64 `yaml:"max_zoom" validate:"gtfield=MinZoom"`
}

// ChannelConfig は WebSocket チャンネルの設定
type ChannelConfig struct {
	PingInterval    time.Duration `yaml:"ping_interval"`                        // 0 で ping を送らない
	WriteTimeout    time.Duration `yaml:"write_timeout"`                        // 1メッセージの書き込みタイムアウト
	MaxMessageBytes int64         `yaml:"max_message_bytes" validate:"min=256"` // 受信メッセージの最大サイズ
}

// LogConfig はログの設定
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0, // WebSocket 用にタイムアウト無効化
			ShutdownTimeout: 5 * time.Second,
		},
		Layout: LayoutConfig{
			Root:       defaultLayoutRoot(),
			CatalogTTL: 5 * time.Second,
		},
		Render: RenderConfig{
			Workers:    4,
			Timeout:    30 * time.Second,
			TileWidth:  1024,
			TileHeight: 768,
		},
		View: ViewConfig{
			MinZoom: 0.01,
			MaxZoom: 10000,
		},
		Channel: ChannelConfig{
			PingInterval:    30 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxMessageBytes: 64 * 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load は設定を読み込む
//
// デフォルト値、設定ファイル、環境変数の順に上書きする。
// path が空の場合は環境変数 KWEB_CONFIG のファイルを使い、それも無ければファイルは読まない。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("KWEB_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// loadFile は YAML ファイルで設定を上書きする
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗: %s: %w", path, err)
	}
	return nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() error {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)

	port, err := getEnvAsIntOrDefault("PORT", c.Server.Port)
	if err != nil {
		return err
	}
	c.Server.Port = port

	c.Layout.Root = getEnvOrDefault("KWEB_LAYOUT_ROOT", c.Layout.Root)
	c.Log.Level = strings.ToLower(getEnvOrDefault("KWEB_LOG_LEVEL", c.Log.Level))
	c.Log.Format = getEnvOrDefault("KWEB_LOG_FORMAT", c.Log.Format)
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: %s=%s を満たしません (値: %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	// 時間の設定は負にできない
	durations := map[string]time.Duration{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"layout.catalog_ttl":      c.Layout.CatalogTTL,
		"render.timeout":          c.Render.Timeout,
		"channel.ping_interval":   c.Channel.PingInterval,
		"channel.write_timeout":   c.Channel.WriteTimeout,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s が負の値です: %s", name, d)
		}
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// defaultLayoutRoot は ~/.gdsfactory を返す
func defaultLayoutRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gdsfactory"
	}
	return filepath.Join(home, ".gdsfactory")
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	var intVal int
	if _, err := fmt.Sscanf(value, "%d", &intVal); err != nil {
		return 0, fmt.Errorf("環境変数 %s が整数ではありません: %q", key, value)
	}
	return intVal, nil
}

// Package logger は構造化ログの出力を担う
//
// zerolog をバックエンドとした Logger インターフェースを提供する。
// 各コンポーネントは Logger を注入で受け取り、With でセッションIDや
// パスなどのフィールドを付けた派生ロガーを作る。
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field はログエントリに付与するキーと値の組
type Field struct {
	Key   string
	Value any
}

// F は Field を作るショートハンド
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err はエラーを "error" フィールドとして返す
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Logger は構造化ログのインターフェース
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With は指定フィールドを常に含む派生ロガーを返す
	With(fields ...Field) Logger
}

// Options はロガーの生成設定
type Options struct {
	Service string // サービス名（全エントリに付与）
	Level   string // debug, info, warn, error
	Format  string // json または console
	Output  io.Writer
}

type zerologLogger struct {
	logger zerolog.Logger
}

// New は設定に従って zerolog ベースの Logger を作成する
func New(opts Options) (Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("無効なログレベル %q: %w", opts.Level, err)
		}
		level = parsed
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	switch opts.Format {
	case "", "json":
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		return nil, fmt.Errorf("無効なログフォーマット: %s", opts.Format)
	}

	ctx := zerolog.New(out).With().Timestamp()
	if opts.Service != "" {
		ctx = ctx.Str("service", opts.Service)
	}

	return &zerologLogger{logger: ctx.Logger().Level(level)}, nil
}

// Nop は何も出力しない Logger を返す（テスト用）
func Nop() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{logger: z.logger.With().Fields(toMap(fields)).Logger()}
}

// toMap は Field のスライスを zerolog 用の map に変換する
func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	return m
}

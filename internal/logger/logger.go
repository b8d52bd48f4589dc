package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 日志接口，键值对形式的结构化日志
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Err(err error, msg string, kv ...any)
	With(kv ...any) Logger
}

// Options 日志配置
type Options struct {
	Level   string   // debug / info / warn / error
	Writer  []string // console / file
	File    string   // 日志文件路径
	MaxSize int      // 单个文件大小上限(MB)
}

type zlog struct {
	z zerolog.Logger
}

// New 按配置创建 zerolog 日志实例
func New(opts Options) Logger {
	var writers []io.Writer
	for _, w := range opts.Writer {
		switch strings.ToLower(strings.TrimSpace(w)) {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
		case "file":
			file := opts.File
			if file == "" {
				file = "bradypod.log"
			}
			maxSize := opts.MaxSize
			if maxSize <= 0 {
				maxSize = 50
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   file,
				MaxSize:    maxSize,
				MaxBackups: 3,
				Compress:   true,
			})
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}
	z := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(opts.Level)).
		With().Timestamp().Logger()
	return &zlog{z: z}
}

// NewWriter 输出到指定 writer，测试中使用
func NewWriter(w io.Writer, level string) Logger {
	return &zlog{z: zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()}
}

// NewNop 创建丢弃所有输出的日志实例
func NewNop() Logger {
	return &zlog{z: zerolog.Nop()}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *zlog) Debug(msg string, kv ...any) { emit(l.z.Debug(), msg, kv) }
func (l *zlog) Info(msg string, kv ...any)  { emit(l.z.Info(), msg, kv) }
func (l *zlog) Warn(msg string, kv ...any)  { emit(l.z.Warn(), msg, kv) }
func (l *zlog) Error(msg string, kv ...any) { emit(l.z.Error(), msg, kv) }

func (l *zlog) Err(err error, msg string, kv ...any) {
	emit(l.z.Error().Err(err), msg, kv)
}

func (l *zlog) With(kv ...any) Logger {
	ctx := l.z.With()
	for i := 0; i < len(kv); i += 2 {
		key, val := pair(kv, i)
		ctx = ctx.Interface(key, val)
	}
	return &zlog{z: ctx.Logger()}
}

func emit(e *zerolog.Event, msg string, kv []any) {
	if e == nil {
		return
	}
	for i := 0; i < len(kv); i += 2 {
		key, val := pair(kv, i)
		if err, ok := val.(error); ok {
			e = e.AnErr(key, err)
			continue
		}
		e = e.Interface(key, val)
	}
	e.Msg(msg)
}

func pair(kv []any, i int) (string, any) {
	key, ok := kv[i].(string)
	if !ok {
		key = fmt.Sprint(kv[i])
	}
	if i+1 >= len(kv) {
		return key, nil
	}
	return key, kv[i+1]
}

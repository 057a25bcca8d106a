package util

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

type Logger struct {
	prefix string
	s      *zap.SugaredLogger
}

// NewLogger returns an info-level console logger tagged with p.
func NewLogger(p string) *Logger {
	l, _ := NewLoggerWithConfig(p, LogConfig{})
	return l
}

// NewLoggerWithConfig writes to stdout and, when File is set, to a rotated file.
func NewLoggerWithConfig(p string, cfg LogConfig) (*Logger, error) {
	lvl := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := lvl.Set(cfg.Level); err != nil {
			return nil, err
		}
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000000")
	ws := zapcore.AddSync(os.Stdout)
	if cfg.File != "" {
		ws = zapcore.NewMultiWriteSyncer(ws, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   true,
		}))
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), ws, lvl)
	return &Logger{prefix: p, s: zap.New(core).Sugar()}, nil
}

// NopLogger discards everything.
func NopLogger() *Logger { return &Logger{s: zap.NewNop().Sugar()} }

func (l *Logger) p() string {
	if l.prefix == "" {
		return ""
	}
	return "[" + l.prefix + "] "
}
func (l *Logger) Debugf(f string, v ...any) { l.s.Debugf(l.p()+f, v...) }
func (l *Logger) Infof(f string, v ...any)  { l.s.Infof(l.p()+f, v...) }
func (l *Logger) Warnf(f string, v ...any)  { l.s.Warnf(l.p()+f, v...) }
func (l *Logger) Errorf(f string, v ...any) { l.s.Errorf(l.p()+f, v...) }
func (l *Logger) Sync() error               { return l.s.Sync() }

package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"audio-pipeline/pkg/config"
)

// Logger 对 logrus 的封装，附带文件轮转
type Logger struct {
	entry  *logrus.Logger
	closer io.Closer
}

var (
	globalMu     sync.RWMutex
	globalLogger = &Logger{entry: newDefaultLogrus()}
)

func newDefaultLogrus() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// NewLogger 根据配置创建日志器
func NewLogger(cfg *config.Config) *Logger {
	l := logrus.New()
	if cfg == nil {
		return &Logger{entry: newDefaultLogrus()}
	}
	logCfg := cfg.Log

	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(logCfg.Level)))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(logCfg.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var closer io.Closer
	var rotating *lumberjack.Logger
	if logCfg.Filename != "" {
		rotating = &lumberjack.Logger{
			Filename:   logCfg.Filename,
			MaxSize:    logCfg.MaxSize,
			MaxAge:     logCfg.MaxAge,
			MaxBackups: logCfg.MaxBackups,
			Compress:   logCfg.Compress,
		}
	}

	switch strings.ToLower(logCfg.Output) {
	case "file":
		if rotating != nil {
			l.SetOutput(rotating)
			closer = rotating
		} else {
			l.SetOutput(os.Stdout)
		}
	case "both":
		if rotating != nil {
			l.SetOutput(io.MultiWriter(os.Stdout, rotating))
			closer = rotating
		} else {
			l.SetOutput(os.Stdout)
		}
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		l.SetOutput(os.Stdout)
	}

	return &Logger{entry: l, closer: closer}
}

// SetGlobalLogger 替换全局日志器
func SetGlobalLogger(l *Logger) {
	if l == nil {
		return
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

func current() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Close 关闭轮转文件
func (l *Logger) Close() {
	if l != nil && l.closer != nil {
		_ = l.closer.Close()
	}
}

// Raw 暴露底层 logrus 实例
func (l *Logger) Raw() *logrus.Logger { return l.entry }

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// WithFields 返回带上下文字段的 entry
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.entry.WithFields(logrus.Fields(fields))
}

func mergeFields(fields []map[string]interface{}) logrus.Fields {
	out := logrus.Fields{}
	for _, f := range fields {
		for k, v := range f {
			out[k] = v
		}
	}
	return out
}

// Debug 输出调试日志
func Debug(msg string, fields ...map[string]interface{}) {
	current().entry.WithFields(mergeFields(fields)).Debug(msg)
}

// Info 输出带字段的信息日志
func Info(msg string, fields ...map[string]interface{}) {
	current().entry.WithFields(mergeFields(fields)).Info(msg)
}

// Warn 输出带字段的警告日志
func Warn(msg string, fields ...map[string]interface{}) {
	current().entry.WithFields(mergeFields(fields)).Warn(msg)
}

// Error 输出带字段的错误日志
func Error(msg string, fields ...map[string]interface{}) {
	current().entry.WithFields(mergeFields(fields)).Error(msg)
}

// Fatal 输出日志后退出进程
func Fatal(msg string, fields ...map[string]interface{}) {
	current().entry.WithFields(mergeFields(fields)).Fatal(msg)
}

func Debugf(format string, args ...interface{}) { current().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { current().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { current().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { current().Errorf(format, args...) }

// WithFields 使用全局日志器创建 entry
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return current().WithFields(fields)
}

// Printf 兼容 kafka-go 等库的 Logger 接口
func Printf(format string, args ...interface{}) {
	current().entry.Debug(fmt.Sprintf(format, args...))
}

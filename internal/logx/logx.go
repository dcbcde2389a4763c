// =============================================================================
// 文件: internal/logx/logx.go
// 描述: 分级日志, 输出格式 "[LEVEL] hh:mm:ss [TAG] message"
// =============================================================================

package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// 日志级别
const (
	LevelError = 0
	LevelInfo  = 1
	LevelDebug = 2
)

var levelPrefix = map[int]string{
	LevelError: "[ERROR]",
	LevelInfo:  "[INFO]",
	LevelDebug: "[DEBUG]",
}

// ParseLevel 解析配置中的级别字符串, 未知值按 info
func ParseLevel(s string) int {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// sink 多个 Logger 共享的输出
type sink struct {
	mu  sync.Mutex
	out io.Writer
}

// Logger 带组件标签的分级日志
type Logger struct {
	tag   string
	level *int32
	sink  *sink
}

// New 创建日志器
func New(out io.Writer, level string, tag string) *Logger {
	if out == nil {
		out = os.Stdout
	}
	lv := int32(ParseLevel(level))
	return &Logger{tag: tag, level: &lv, sink: &sink{out: out}}
}

// Discard 丢弃全部输出
func Discard() *Logger {
	return New(io.Discard, "error", "")
}

// With 派生新标签, 共享输出与级别
func (l *Logger) With(tag string) *Logger {
	return &Logger{tag: tag, level: l.level, sink: l.sink}
}

// SetLevel 运行时调整级别
func (l *Logger) SetLevel(level string) {
	atomic.StoreInt32(l.level, int32(ParseLevel(level)))
}

// Enabled 级别是否输出
func (l *Logger) Enabled(level int) bool {
	return level <= int(atomic.LoadInt32(l.level))
}

// Log 按级别输出
func (l *Logger) Log(level int, format string, args ...interface{}) {
	if !l.Enabled(level) {
		return
	}
	line := fmt.Sprintf("%s %s [%s] %s\n", levelPrefix[level], time.Now().Format("15:04:05"), l.tag, fmt.Sprintf(format, args...))

	l.sink.mu.Lock()
	_, _ = io.WriteString(l.sink.out, line)
	l.sink.mu.Unlock()
}

func (l *Logger) Errorf(format string, args ...interface{}) { l.Log(LevelError, format, args...) }

func (l *Logger) Infof(format string, args ...interface{}) { l.Log(LevelInfo, format, args...) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.Log(LevelDebug, format, args...) }

// =============================================================================
// 文件: internal/logx/tail.go
// 描述: 内存日志环形缓冲, 供 /debug/log 查看最近日志
// =============================================================================

package logx

import (
	"io"
	"net/http"

	"github.com/KarpelesLab/ringbuf"
)

// DefaultTailSize 默认 1MB
const DefaultTailSize = 1024 * 1024

// Tail 最近日志缓冲
type Tail struct {
	buf *ringbuf.Writer
}

// NewTail 创建缓冲
func NewTail() (*Tail, error) {
	buf, err := ringbuf.New(DefaultTailSize)
	if err != nil {
		return nil, err
	}
	return &Tail{buf: buf}, nil
}

// Tee 返回同时写入 out 与缓冲的 Writer
func (t *Tail) Tee(out io.Writer) io.Writer {
	return io.MultiWriter(out, t.buf)
}

// Dump 将缓冲内容写入 w
func (t *Tail) Dump(w io.Writer) (int64, error) {
	r := t.buf.Reader()
	defer r.Close()
	return io.Copy(w, r)
}

// ServeHTTP 输出缓冲内容
func (t *Tail) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = t.Dump(w)
}

// Close 关闭缓冲
func (t *Tail) Close() error {
	return t.buf.Close()
}

package enclave

import (
	"bytes"
	"fmt"
)

// LineBuffer 累积读取到的字节，只返回以换行结尾的完整消息，
// 末尾不完整的片段保留到下一次 Feed。
type LineBuffer struct {
	buf []byte
	max int
}

// NewLineBuffer 创建缓冲区，max 限制单条消息的最大字节数。
func NewLineBuffer(max int) *LineBuffer {
	if max <= 0 {
		max = 1 << 20
	}
	return &LineBuffer{max: max}
}

// Feed 追加数据并返回其中全部完整的行（不含换行符，空行被忽略）。
func (b *LineBuffer) Feed(chunk []byte) ([][]byte, error) {
	b.buf = append(b.buf, chunk...)
	var lines [][]byte
	for {
		idx := bytes.IndexByte(b.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(b.buf[:idx])
		if len(line) > 0 {
			lines = append(lines, append([]byte(nil), line...))
		}
		b.buf = b.buf[idx+1:]
	}
	if len(b.buf) > b.max {
		size := len(b.buf)
		b.buf = nil
		return lines, fmt.Errorf("message exceeds %d bytes (buffered %d)", b.max, size)
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return lines, nil
}

// Pending 返回尚未形成完整消息的字节数。
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}

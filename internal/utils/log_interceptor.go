package utils

import (
	"bytes"
	"io"
	"strconv"
	"sync"
	"time"
)

// LogInterceptor prefixes each complete line written to it with a sequence number and an RFC3339
// timestamp before forwarding it to target. Partial lines are held until their newline arrives or
// Close is called. It is safe for concurrent use.
type LogInterceptor struct {
	mu     sync.Mutex
	target io.Writer
	seq    uint64
	buf    bytes.Buffer
	now    func() time.Time
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{target: target, now: time.Now}
}

// Write reports len(p) on success so callers such as slog handlers do not see short writes.
func (i *LogInterceptor) Write(p []byte) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.buf.Write(p)
	for {
		idx := bytes.IndexByte(i.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(i.buf.Next(idx+1), []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))
		if err := i.writeLine(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes any trailing partial line.
func (i *LogInterceptor) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.buf.Len() == 0 {
		return nil
	}
	line := append([]byte(nil), i.buf.Bytes()...)
	i.buf.Reset()
	return i.writeLine(line)
}

func (i *LogInterceptor) writeLine(line []byte) error {
	i.seq++
	var out bytes.Buffer
	out.WriteString("line=")
	out.WriteString(strconv.FormatUint(i.seq, 10))
	out.WriteString(" time=")
	out.WriteString(i.now().Format(time.RFC3339))
	out.WriteByte(' ')
	out.Write(line)
	out.WriteByte('\n')
	_, err := i.target.Write(out.Bytes())
	return err
}

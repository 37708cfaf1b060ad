package backend

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

// maxStderrTail caps how much backend stderr is kept for error reports.
// Older output is dropped first.
const maxStderrTail = 64 * 1024

// stderrTail is an io.Writer that keeps the last maxStderrTail bytes written
// to it and logs each complete line at debug level.
type stderrTail struct {
	log *slog.Logger

	mu      sync.Mutex
	buf     []byte
	partial []byte
}

func newStderrTail(log *slog.Logger) *stderrTail {
	return &stderrTail{log: log}
}

func (s *stderrTail) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, p...)
	if over := len(s.buf) - maxStderrTail; over > 0 {
		s.buf = append(s.buf[:0], s.buf[over:]...)
	}

	s.partial = append(s.partial, p...)

	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}

		if line := strings.TrimRight(string(s.partial[:i]), "\r"); line != "" {
			s.log.Debug("Backend stderr", "line", line)
		}

		s.partial = s.partial[i+1:]
	}

	if len(s.partial) > maxStderrTail {
		s.partial = s.partial[:0]
	}

	return len(p), nil
}

// String returns the captured tail with surrounding whitespace removed.
func (s *stderrTail) String() string {
	if s == nil {
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return strings.TrimSpace(string(s.buf))
}

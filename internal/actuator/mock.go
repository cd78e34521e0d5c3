package actuator

import (
	"bytes"
	"io"
	"sync"
)

// MockPort implements Porter with in-memory buffers for testing without
// real serial hardware. Reads drain from a pipe fed by FeedLine; writes
// accumulate in a buffer.
type MockPort struct {
	reader *io.PipeReader
	writer *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

// NewMockPort creates a mock firmware port.
func NewMockPort() *MockPort {
	r, w := io.Pipe()
	return &MockPort{reader: r, writer: w}
}

// FeedLine injects one feedback line as if the firmware sent it.
func (m *MockPort) FeedLine(line string) {
	m.writer.Write([]byte(line + "\n"))
}

// EndInput closes the feedback stream, unblocking any reader.
func (m *MockPort) EndInput() {
	m.writer.Close()
}

func (m *MockPort) Read(p []byte) (int, error) {
	return m.reader.Read(p)
}

func (m *MockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.Write(p)
}

// Written returns everything the link has sent so far.
func (m *MockPort) Written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.String()
}

func (m *MockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.reader.Close()
	m.writer.Close()
	return nil
}

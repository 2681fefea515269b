package monitoring

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSinkWritesRecordedEvents(t *testing.T) {
	buf := &lockedBuffer{}
	logger := zerolog.New(buf)
	sink := NewEventSink(logger, 16)

	sink.Record("connected", "Client connected", map[string]any{"connection_id": "c-1"})
	sink.Close()

	// Close signals the writer to drain; wait for the write to land.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), "connected") {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	out := buf.String()
	assert.Contains(t, out, "connected")
	assert.Contains(t, out, "c-1")
}

func TestSinkNeverBlocksWhenFull(t *testing.T) {
	sink := &EventSink{
		logger: zerolog.Nop(),
		events: make(chan AuditEvent, 1),
		done:   make(chan struct{}),
	}
	// No writer goroutine: the buffer fills and stays full.

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			sink.Record("k", "m", nil)
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full sink")
	}
}

func TestNilSinkIsSafe(t *testing.T) {
	var sink *EventSink
	assert.NotPanics(t, func() {
		sink.Record("k", "m", nil)
	})
}

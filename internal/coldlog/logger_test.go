package coldlog

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"funding_harvester/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopLogger struct{}

func (n *noopLogger) Debug(string, ...interface{})                  {}
func (n *noopLogger) Info(string, ...interface{})                   {}
func (n *noopLogger) Warn(string, ...interface{})                   {}
func (n *noopLogger) Error(string, ...interface{})                  {}
func (n *noopLogger) Fatal(string, ...interface{})                  {}
func (n *noopLogger) WithField(string, interface{}) core.Logger     { return n }
func (n *noopLogger) WithFields(map[string]interface{}) core.Logger { return n }

type recordingSink struct {
	mu    sync.Mutex
	lines [][]byte
}

func (s *recordingSink) Write(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(line))
	copy(cp, line)
	s.lines = append(s.lines, cp)
	return nil
}

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, l := range s.lines {
		var e core.ColdEvent
		_ = json.Unmarshal(l, &e)
		out = append(out, e.Kind)
	}
	return out
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lines)
}

func TestLog_PersistsEnqueuedEvent(t *testing.T) {
	sink := &recordingSink{}
	l := New(sink, &noopLogger{}, 0)
	defer l.Close()

	l.Log(core.ColdEvent{Kind: "trade", Coin: "BTC", At: time.Now()})

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"trade"}, sink.kinds())
}

func TestLog_DoesNotBlockWhenQueueIsFull(t *testing.T) {
	sink := &recordingSink{}
	l := New(sink, &noopLogger{}, 1)
	defer l.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			l.Log(core.ColdEvent{Kind: "trade", At: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Log blocked under queue pressure")
	}
}

func TestClose_DrainsRemainingQueueBeforeReturning(t *testing.T) {
	sink := &recordingSink{}
	l := New(sink, &noopLogger{}, 64)

	for i := 0; i < 10; i++ {
		l.Log(core.ColdEvent{Kind: "funding", At: time.Now()})
	}

	err := l.Close()

	require.NoError(t, err)
	assert.Equal(t, 10, sink.count())
}

func TestLog_PreservesOrderFromSameCaller(t *testing.T) {
	sink := &recordingSink{}
	l := New(sink, &noopLogger{}, 64)
	defer l.Close()

	l.Log(core.ColdEvent{Kind: "position_open", Coin: "BTC"})
	l.Log(core.ColdEvent{Kind: "trade", Coin: "BTC"})
	l.Log(core.ColdEvent{Kind: "trade", Coin: "BTC"})

	require.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"position_open", "trade", "trade"}, sink.kinds())
}

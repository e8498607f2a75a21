// Package coldlog implements the append-only cold-path event logger:
// fills, funding payments, reconciliation corrections, panic closes.
// It never blocks the hot trading path; a full queue drops the oldest
// queued event rather than stalling the caller.
package coldlog

import (
	"encoding/json"
	"os"
	"sync"

	"funding_harvester/internal/core"
)

const defaultQueueCapacity = 1024

// Sink persists one already-serialized cold event. Production code
// writes to an append-only file; tests can substitute an in-memory
// recorder.
type Sink interface {
	Write(line []byte) error
}

// FileSink appends newline-delimited JSON records to a file, the
// append-only event store an external dashboard would read from.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (creating if necessary) a file for append-only writes.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{file: f}, nil
}

// Write appends one line, newline-terminated.
func (s *FileSink) Write(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	line = append(line, '\n')
	_, err := s.file.Write(line)
	return err
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Logger is a bounded async queue in front of a Sink: Log() never
// blocks, and a full queue drops the oldest pending event (with a
// warning) to make room for the newest one.
type Logger struct {
	sink   Sink
	logger core.Logger

	mu      sync.Mutex
	queue   chan core.ColdEvent
	dropped int64

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New constructs a Logger with the given queue capacity (0 uses the
// default) and starts its drain goroutine.
func New(sink Sink, logger core.Logger, capacity int) *Logger {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	l := &Logger{
		sink:   sink,
		logger: logger.WithField("component", "cold_logger"),
		queue:  make(chan core.ColdEvent, capacity),
		stopCh: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.drain()
	return l
}

// Log enqueues an event without blocking. If the queue is full, the
// oldest queued event is dropped to make room; events from the same
// caller are never reordered relative to each other.
func (l *Logger) Log(event core.ColdEvent) {
	select {
	case l.queue <- event:
		return
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.queue:
		l.dropped++
		l.logger.Warn("cold log queue full, dropped oldest event", "total_dropped", l.dropped)
	default:
	}
	select {
	case l.queue <- event:
	default:
		// Another writer raced us and refilled the slot; this event is
		// dropped too rather than blocking the caller.
		l.dropped++
		l.logger.Warn("cold log queue full after eviction, dropping new event", "total_dropped", l.dropped)
	}
}

func (l *Logger) drain() {
	defer l.wg.Done()
	for {
		select {
		case event, ok := <-l.queue:
			if !ok {
				return
			}
			l.persist(event)
		case <-l.stopCh:
			l.drainRemaining()
			return
		}
	}
}

func (l *Logger) drainRemaining() {
	for {
		select {
		case event := <-l.queue:
			l.persist(event)
		default:
			return
		}
	}
}

func (l *Logger) persist(event core.ColdEvent) {
	line, err := json.Marshal(event)
	if err != nil {
		l.logger.Error("failed to marshal cold event", "kind", event.Kind, "error", err)
		return
	}
	if err := l.sink.Write(line); err != nil {
		l.logger.Error("failed to persist cold event", "kind", event.Kind, "error", err)
	}
}

// Close signals the drain goroutine to flush whatever remains queued
// and exit, then waits for it. Matches the engine's shutdown sequence:
// stop the loops, disconnect the feed, drain the logger before exit.
func (l *Logger) Close() error {
	close(l.stopCh)
	l.wg.Wait()
	if closer, ok := l.sink.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

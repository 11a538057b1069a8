package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/shortontech/fingerprintd/internal/event"
)

// LogSink writes one JSON document per line to dst. dst "stdout" writes to
// standard output; an empty dst hands each event to the process logger.
type LogSink struct {
	dst    string
	logger *zap.Logger

	mu sync.Mutex
	f  *os.File
	w  io.Writer
}

func NewLogSink(dst string, logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{dst: dst, logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.dst {
	case "":
		return nil
	case "stdout":
		s.w = os.Stdout
		return nil
	}
	f, err := os.OpenFile(s.dst, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log %s: %w", s.dst, err)
	}
	s.f = f
	s.w = f
	return nil
}

func (s *LogSink) Enqueue(e event.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		if s.dst != "" {
			return fmt.Errorf("log sink %s is not open", s.dst)
		}
		s.logger.Info("resolution event", zap.ByteString("event", b))
		return nil
	}
	b = append(b, '\n')
	if _, err := s.w.Write(b); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w = nil
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

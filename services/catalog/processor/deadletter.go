// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package processor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/ternhq/tern/services/catalog/model"
)

// DeadLetterSink receives events the pipeline gave up on.
type DeadLetterSink interface {
	Send(ctx context.Context, failed model.FailedEvent) error
}

// LogSink logs failed events at error level. The default sink.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a logging dead-letter sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With(slog.String("component", "dead_letter"))}
}

func (s *LogSink) Send(_ context.Context, failed model.FailedEvent) error {
	payload, err := json.Marshal(failed.Event)
	if err != nil {
		payload = []byte("<unencodable>")
	}
	s.logger.Error("event dead-lettered",
		slog.String("error", failed.Error),
		slog.String("event", string(payload)))
	return nil
}

// WriterSink appends failed events as JSON lines, suitable for a
// dead-letter file that can be replayed later.
//
// Thread Safety: Safe for concurrent use.
type WriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriterSink creates a JSON-lines dead-letter sink over w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{enc: json.NewEncoder(w)}
}

func (s *WriterSink) Send(_ context.Context, failed model.FailedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(failed)
}

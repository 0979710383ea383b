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
	"errors"
	"fmt"
	"io"

	"github.com/ternhq/tern/services/catalog/model"
)

// ErrSourceDrained is returned by Next when the source has no more
// events and never will.
var ErrSourceDrained = errors.New("event source drained")

// DecodeError reports a payload that could not be decoded into a change
// event. The processor dead-letters it and keeps consuming.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode change event: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Source delivers change events in order, one at a time.
type Source interface {
	// Next blocks for the next event. Returns ErrSourceDrained when the
	// stream ends, a *DecodeError for an undecodable payload, or the
	// context error on cancellation.
	Next(ctx context.Context) (*model.ChangeEvent, error)
}

// ChannelSource adapts a channel of events into a Source. Closing the
// channel drains the source.
type ChannelSource struct {
	C chan *model.ChangeEvent
}

// NewChannelSource creates a buffered channel source.
func NewChannelSource(buffer int) *ChannelSource {
	return &ChannelSource{C: make(chan *model.ChangeEvent, buffer)}
}

func (s *ChannelSource) Next(ctx context.Context) (*model.ChangeEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case event, ok := <-s.C:
		if !ok {
			return nil, ErrSourceDrained
		}
		return event, nil
	}
}

// JSONSource decodes a stream of JSON change events from a reader, one
// document per event. Undecodable documents surface as *DecodeError so
// the consumer can dead-letter them and continue.
type JSONSource struct {
	dec    *json.Decoder
	broken bool
}

// NewJSONSource wraps a reader carrying concatenated or newline-delimited
// JSON events.
func NewJSONSource(r io.Reader) *JSONSource {
	return &JSONSource{dec: json.NewDecoder(r)}
}

func (s *JSONSource) Next(ctx context.Context) (*model.ChangeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.broken {
		return nil, ErrSourceDrained
	}
	var raw json.RawMessage
	if err := s.dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrSourceDrained
		}
		// A syntax error corrupts the decoder's position; the remainder
		// of the stream is unreadable. Surface the error once, then
		// report the source drained.
		s.broken = true
		return nil, &DecodeError{Err: err}
	}
	var event model.ChangeEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, &DecodeError{Raw: raw, Err: err}
	}
	return &event, nil
}

// Package sink holds the record consumers a session fans out to:
// logging, the JSONL recorder, SSE and WebRTC streams, MQTT and sqlite.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

// Sink receives one record per processed frame
type Sink interface {
	Send(ctx context.Context, rec types.Record) error
}

// Finisher receives the final session summary
type Finisher interface {
	Finish(ctx context.Context, summary types.Summary) error
}

// Multi forwards every record to all of its sinks. One failing sink does
// not keep the others from receiving the record.
type Multi struct {
	sinks []Sink
	names []string
}

// NewMulti creates an empty fan-out
func NewMulti() *Multi {
	return &Multi{}
}

// Add registers a sink under a name used in error messages
func (m *Multi) Add(name string, s Sink) *Multi {
	if s == nil {
		return m
	}
	m.sinks = append(m.sinks, s)
	m.names = append(m.names, name)
	return m
}

// Len returns the number of registered sinks
func (m *Multi) Len() int {
	return len(m.sinks)
}

// Send delivers rec to every sink and joins their errors
func (m *Multi) Send(ctx context.Context, rec types.Record) error {
	var errs []error
	for i, s := range m.sinks {
		if err := s.Send(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.names[i], err))
		}
	}
	return errors.Join(errs...)
}

// Finish passes the summary to every sink that implements Finisher
func (m *Multi) Finish(ctx context.Context, summary types.Summary) error {
	var errs []error
	for i, s := range m.sinks {
		f, ok := s.(Finisher)
		if !ok {
			continue
		}
		if err := f.Finish(ctx, summary); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.names[i], err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that is an io.Closer, in reverse order of Add
func (m *Multi) Close() error {
	var errs []error
	for i := len(m.sinks) - 1; i >= 0; i-- {
		c, ok := m.sinks[i].(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.names[i], err))
		}
	}
	return errors.Join(errs...)
}

// Discard accepts and drops every record
type Discard struct{}

func (Discard) Send(context.Context, types.Record) error { return nil }

// Package session provides the cooperative single-threaded driver that feeds
// a filter with input packets and collects its output. It implements the pid
// and packet capabilities of the filter package in memory; there are no
// internal goroutines or locks, and one Process tick runs at a time.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/reframe/internal/filter"
)

// Filter is the processing callback contract a session drives. One tick
// pulls as much input as it can, performs decisions, and sends as much
// output as pacing and range budgets allow.
type Filter interface {
	// Process runs one tick.
	Process() (filter.Status, error)
	// RescheduleIn returns the delay the filter asked to be re-entered
	// after, or zero if it can run again immediately.
	RescheduleIn() time.Duration
}

// Source delivers input packets into the pids it owns.
type Source interface {
	// Pump pushes the next batch of packets. It returns false once the
	// source is exhausted and EOS has been signalled on its pids.
	Pump() (bool, error)
}

// Session owns a filter, its source, and the run loop.
type Session struct {
	log    *slog.Logger
	src    Source
	filter Filter
}

// New creates a session. If log is nil, slog.Default() is used.
func New(src Source, f Filter, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		log:    log.With("component", "session"),
		src:    src,
		filter: f,
	}
}

// Run drives the filter until end of stream, a fatal filter error, or
// context cancellation. Ticks alternate with source pumping; when the filter
// requests a real-time reschedule the loop sleeps for the requested delay.
func (s *Session) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		more, err := s.src.Pump()
		if err != nil {
			return fmt.Errorf("pumping source: %w", err)
		}

		st, err := s.filter.Process()
		if err != nil {
			return fmt.Errorf("filter process: %w", err)
		}
		if st == filter.StatusEOS {
			s.log.Debug("filter reached end of stream")
			return nil
		}

		if d := s.filter.RescheduleIn(); d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		// Source dry and the filter neither finished nor asked for a
		// delay: yield briefly so a seek-restarted source can refill.
		if !more {
			select {
			case <-time.After(time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

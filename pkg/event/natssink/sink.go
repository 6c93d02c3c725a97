// Package natssink publishes run events to NATS.
//
// Events are published as JSON to subjects of the form:
//
//	<prefix>.runs.<run_id>.<kind>
//
// Subscribers can follow one run with "<prefix>.runs.<run_id>.>" or one kind
// across runs with "<prefix>.runs.*.<kind>".
package natssink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphd/pkg/event"
)

// DefaultPrefix is used when no subject prefix is configured.
const DefaultPrefix = "graphd"

// Sink implements event.Sink over a NATS connection.
type Sink struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

var _ event.Sink = (*Sink)(nil)

// New creates a sink publishing on nc.
func New(nc *nats.Conn, prefix string, logger *zap.Logger) *Sink {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject an event is published on.
func (s *Sink) Subject(e event.Event) string {
	return fmt.Sprintf("%s.runs.%s.%s", s.prefix, token(e.RunID), e.Kind)
}

// token makes a run id safe to use as a single subject token.
func token(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, id)
}

// Emit implements event.Sink.
func (s *Sink) Emit(_ context.Context, e event.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := s.Subject(e)
	if err := s.nc.Publish(subject, data); err != nil {
		s.logger.Error("failed to publish run event",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

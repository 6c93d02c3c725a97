package natssink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphd/pkg/event"
)

// Relay subscribes to every run event under prefix and forwards the decoded
// events to sink. It lets a process that does not host the engine, such as
// the ops server, keep metrics for engines publishing elsewhere.
//
// Malformed messages and sink errors are logged and skipped. Unsubscribe the
// returned subscription to stop relaying.
func Relay(nc *nats.Conn, prefix string, sink event.Sink, logger *zap.Logger) (*nats.Subscription, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	subject := prefix + ".runs.>"
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var e event.Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			logger.Warn("dropping malformed run event",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		if err := sink.Emit(context.Background(), e); err != nil {
			logger.Warn("relayed event sink failed",
				zap.String("subject", msg.Subject),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

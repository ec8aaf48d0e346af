package realtime

import (
	"context"
	"log/slog"

	"loadline/internal/events"
)

// Fanout routes every bus event to its channels through the broker.
type Fanout struct {
	Broker Broker
	Logger *slog.Logger
}

// Attach registers the fanout as a wildcard listener.
func (f Fanout) Attach(bus *events.Bus) {
	bus.OnAll(f.handle)
}

func (f Fanout) handle(ctx context.Context, evt events.Event) error {
	msgs, err := Route(evt)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := f.Broker.Publish(ctx, msg); err != nil {
			f.logger().Error("fanout publish failed", "event", evt.Name(), "channel", msg.Channel, "err", err)
		}
	}
	return nil
}

func (f Fanout) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}
